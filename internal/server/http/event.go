package http

import (
	"errors"
	"net/http"
	"time"

	"github.com/leshachaplin/spyglass/internal/apierror"
	"github.com/leshachaplin/spyglass/internal/service"
	"github.com/leshachaplin/spyglass/internal/wire"
)

const maxBodyBytes = 8 << 20

type trackResponse struct {
	Result string `json:"result"`
	Code   int    `json:"code"`
}

// TrackEvents accepts a form with a base64 encoded JSON list of event records.
func (h *Handler) TrackEvents(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := r.ParseForm(); err != nil {
		h.error(apierror.NewAPIError("could not parse form: "+err.Error(), http.StatusBadRequest), w)
		return
	}

	n, err := h.eventProcessor.ProcessPayload(r.PostForm.Get(wire.FormField), getClientIP(r), time.Now().UTC())
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidPayload):
			err = apierror.NewAPIError(err.Error(), http.StatusBadRequest).WithDetail("field", wire.FormField)
		case errors.Is(err, service.ErrUnavailable):
			h.logger.Error().Err(err).Msg("Could not queue events.")
			err = apierror.NewAPIError(service.ErrUnavailable.Error(), http.StatusServiceUnavailable)
		}
		h.error(err, w)
		return
	}

	h.logger.Debug().Int("events", n).Str("request_id", r.Header.Get("X-Request-ID")).Msg("Track request handled.")
	if err := encodeJSONResponse(w, http.StatusOK, trackResponse{Result: "ok", Code: 0}); err != nil {
		h.logger.Error().Err(err).Msg("Could not write response.")
	}
}
