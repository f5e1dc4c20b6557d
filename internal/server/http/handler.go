package http

import (
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/leshachaplin/spyglass/internal/apierror"
	"github.com/leshachaplin/spyglass/internal/service"
)

type Handler struct {
	eventProcessor service.Event
	logger         zerolog.Logger
}

func NewHandler(eventProcessor service.Event, logger zerolog.Logger) *Handler {
	return &Handler{
		eventProcessor: eventProcessor,
		logger:         logger,
	}
}

func (h *Handler) error(err error, w http.ResponseWriter) {
	var apiErr apierror.Error
	if !errors.As(err, &apiErr) {
		h.logger.Error().Err(err).Msg("Request failed.")
		apiErr = apierror.NewAPIError(http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}

	if err = encodeJSONResponse(w, apiErr.StatusCode(), apiErr); err != nil {
		h.logger.Error().Err(err).Msg("Could not encode error response.")
	}
}
