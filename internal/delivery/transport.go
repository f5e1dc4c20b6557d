package delivery

import "context"

// Status is the tri-state result reported by a transport.
type Status int

const (
	StatusSuccess Status = iota
	// StatusClientError means the payload or destination is permanently unacceptable.
	StatusClientError
	// StatusTransientError means a retry may succeed later.
	StatusTransientError
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusClientError:
		return "client_error"
	case StatusTransientError:
		return "transient_error"
	default:
		return "unknown"
	}
}

type Result struct {
	Status Status
	Err    error
}

func Success() Result {
	return Result{Status: StatusSuccess}
}

func ClientError(err error) Result {
	return Result{Status: StatusClientError, Err: err}
}

func TransientError(err error) Result {
	return Result{Status: StatusTransientError, Err: err}
}

// Transport sends an already serialized batch to the collector.
type Transport interface {
	Send(ctx context.Context, endpointURL string, payload []byte) Result
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, endpointURL string, payload []byte) Result

func (f TransportFunc) Send(ctx context.Context, endpointURL string, payload []byte) Result {
	return f(ctx, endpointURL, payload)
}
