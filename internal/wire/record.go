package wire

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/leshachaplin/spyglass/internal/domain"
)

// FormField is the form key carrying the base64 encoded payload.
const FormField = "data"

// TrackPath is appended to the configured server URL.
const TrackPath = "/api/1/track/events/"

var ErrEmptyPayload = errors.New("empty payload")

// Record is the wire representation of a single event.
type Record struct {
	Event      string         `json:"event"`
	Properties map[string]any `json:"properties"`
}

// FromEvent builds a record. Identity keys override caller keys with the same name.
func FromEvent(e domain.Event) Record {
	props := make(map[string]any, len(e.Properties)+3)
	for k, v := range e.Properties {
		props[k] = v
	}
	props[domain.PropDeviceID] = e.DeviceIdentifier
	props[domain.PropUserID] = e.UserIdentifier
	props[domain.PropTime] = e.Timestamp.Unix()

	return Record{
		Event:      e.Name,
		Properties: props,
	}
}

// Encode serializes a batch as a JSON array of records. Map keys are emitted
// in sorted order so the output is deterministic.
func Encode(batch domain.Batch) ([]byte, error) {
	records := make([]Record, len(batch.Events))
	for i := range batch.Events {
		records[i] = FromEvent(batch.Events[i])
	}

	b, err := json.Marshal(records)
	if err != nil {
		return nil, fmt.Errorf("marshal records: %w", err)
	}
	return b, nil
}

// Decode parses a JSON array of records. Numbers are kept as json.Number.
func Decode(data []byte) ([]Record, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, ErrEmptyPayload
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var records []Record
	if err := dec.Decode(&records); err != nil {
		return nil, fmt.Errorf("unmarshal records: %w", err)
	}
	return records, nil
}

// EncodeForm wraps a payload into the form body expected by the collector.
func EncodeForm(payload []byte) string {
	v := url.Values{}
	v.Set(FormField, base64.StdEncoding.EncodeToString(payload))
	return v.Encode()
}

// DecodeFormValue reverses the base64 step of EncodeForm.
func DecodeFormValue(value string) ([]byte, error) {
	if value == "" {
		return nil, ErrEmptyPayload
	}
	b, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("decode base64: %w", err)
	}
	return b, nil
}

// ToReceived splits identity keys out of the record properties.
func (r Record) ToReceived() domain.ReceivedEvent {
	props := make(domain.Properties, len(r.Properties))
	for k, v := range r.Properties {
		props[k] = v
	}

	e := domain.ReceivedEvent{
		Event:    r.Event,
		DeviceID: stringProp(props, domain.PropDeviceID),
		UserID:   stringProp(props, domain.PropUserID),
	}
	if ts, ok := props[domain.PropTime]; ok {
		e.ClientTime = unixProp(ts)
		delete(props, domain.PropTime)
	}
	delete(props, domain.PropDeviceID)
	delete(props, domain.PropUserID)
	e.Properties = props

	return e
}

func stringProp(props domain.Properties, key string) string {
	if s, ok := props[key].(string); ok {
		return s
	}
	return ""
}

func unixProp(v any) time.Time {
	switch t := v.(type) {
	case json.Number:
		if sec, err := t.Int64(); err == nil {
			return time.Unix(sec, 0).UTC()
		}
		if f, err := t.Float64(); err == nil {
			return time.Unix(int64(f), 0).UTC()
		}
	case float64:
		return time.Unix(int64(t), 0).UTC()
	case int64:
		return time.Unix(t, 0).UTC()
	}
	return time.Time{}
}
