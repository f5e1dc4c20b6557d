package delivery

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/leshachaplin/spyglass/internal/domain"
	"github.com/leshachaplin/spyglass/internal/metrics"
	"github.com/leshachaplin/spyglass/internal/wire"
)

var ErrNoServerURL = errors.New("server URL is not configured")

type Outcome int

const (
	Delivered Outcome = iota
	Rejected
	TransientFailure
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return metrics.OutcomeDelivered
	case Rejected:
		return metrics.OutcomeRejected
	case TransientFailure:
		return metrics.OutcomeTransient
	default:
		return "unknown"
	}
}

// Client serializes batches and interprets transport results. It never touches the queue.
type Client struct {
	transport Transport
	logger    zerolog.Logger
	metrics   *metrics.Metrics
}

func NewClient(transport Transport, logger zerolog.Logger, m *metrics.Metrics) *Client {
	if m == nil {
		m = metrics.New(nil)
	}
	return &Client{
		transport: transport,
		logger:    logger,
		metrics:   m,
	}
}

func (c *Client) Deliver(ctx context.Context, serverURL string, batch domain.Batch) Outcome {
	if batch.IsEmpty() {
		return Delivered
	}

	l := c.logger.With().
		Int("events", batch.Len()).
		Uint64("first_sequence_id", batch.Events[0].SequenceID).
		Logger()

	if serverURL == "" {
		l.Error().Err(ErrNoServerURL).Msg("Batch rejected.")
		return c.record(Rejected, batch)
	}

	payload, err := wire.Encode(batch)
	if err != nil {
		l.Error().Err(err).Msg("Batch rejected, payload could not be encoded.")
		return c.record(Rejected, batch)
	}

	res := c.transport.Send(ctx, serverURL, payload)
	switch res.Status {
	case StatusSuccess:
		l.Debug().Int("bytes", len(payload)).Msg("Batch delivered.")
		return c.record(Delivered, batch)
	case StatusClientError:
		l.Error().Err(res.Err).Msg("Batch rejected by collector.")
		return c.record(Rejected, batch)
	default:
		l.Warn().Err(res.Err).Msg("Batch delivery failed, will retry.")
		return c.record(TransientFailure, batch)
	}
}

func (c *Client) record(o Outcome, batch domain.Batch) Outcome {
	c.metrics.DeliveriesTotal.WithLabelValues(o.String()).Inc()
	switch o {
	case Delivered:
		c.metrics.EventsDelivered.Add(float64(batch.Len()))
	case Rejected:
		c.metrics.EventsRejected.Add(float64(batch.Len()))
	}
	return o
}
