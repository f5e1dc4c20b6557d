// Package sharedtest contains test doubles used across packages.
package sharedtest

import (
	"context"
	"sync"

	"github.com/leshachaplin/spyglass/internal/delivery"
	"github.com/leshachaplin/spyglass/internal/wire"
)

// RecordingTransport records every payload and replies with scripted results.
// Once the script is exhausted it replies with Default.
type RecordingTransport struct {
	mu          sync.Mutex
	script      []delivery.Result
	Default     delivery.Result
	payloads    [][]byte
	endpoints   []string
	inFlight    int
	maxInFlight int

	gate    chan struct{}
	started chan struct{}
}

func NewRecordingTransport(script ...delivery.Result) *RecordingTransport {
	return &RecordingTransport{
		script:  script,
		Default: delivery.Success(),
		started: make(chan struct{}, 1024),
	}
}

// Block makes every following Send wait for a Release.
func (r *RecordingTransport) Block() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gate = make(chan struct{})
}

// Release lets one blocked Send return.
func (r *RecordingTransport) Release() {
	r.mu.Lock()
	gate := r.gate
	r.mu.Unlock()
	if gate != nil {
		gate <- struct{}{}
	}
}

// Unblock lets every pending and future Send proceed.
func (r *RecordingTransport) Unblock() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gate != nil {
		close(r.gate)
		r.gate = nil
	}
}

// Started receives one value per Send call, when the call begins.
func (r *RecordingTransport) Started() <-chan struct{} {
	return r.started
}

func (r *RecordingTransport) Send(ctx context.Context, endpointURL string, payload []byte) delivery.Result {
	r.mu.Lock()
	r.inFlight++
	if r.inFlight > r.maxInFlight {
		r.maxInFlight = r.inFlight
	}
	gate := r.gate
	r.mu.Unlock()

	r.started <- struct{}{}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.inFlight--
	r.payloads = append(r.payloads, payload)
	r.endpoints = append(r.endpoints, endpointURL)
	if len(r.script) > 0 {
		res := r.script[0]
		r.script = r.script[1:]
		return res
	}
	return r.Default
}

func (r *RecordingTransport) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.payloads)
}

func (r *RecordingTransport) MaxInFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxInFlight
}

func (r *RecordingTransport) Endpoints() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.endpoints...)
}

// Records decodes every recorded payload, in send order.
func (r *RecordingTransport) Records() ([][]wire.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([][]wire.Record, 0, len(r.payloads))
	for _, p := range r.payloads {
		records, err := wire.Decode(p)
		if err != nil {
			return nil, err
		}
		out = append(out, records)
	}
	return out, nil
}
