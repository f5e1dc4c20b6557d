package clickhouse

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/leshachaplin/spyglass/internal/domain"
)

type event struct {
	ClientTime time.Time `ch:"client_time"`
	ServerTime time.Time `ch:"server_time"`
	IP         string    `ch:"ip"`
	DeviceID   string    `ch:"device_id"`
	UserID     string    `ch:"user_id"`
	Event      string    `ch:"event"`
	Properties string    `ch:"properties"`
}

func eventsFromBatch(batch domain.EventBatch) ([]event, error) {
	events := make([]event, len(batch.Events))
	for i, e := range batch.Events {
		props, err := json.Marshal(e.Properties)
		if err != nil {
			return nil, fmt.Errorf("marshal properties of %q: %w", e.Event, err)
		}
		events[i] = event{
			ClientTime: e.ClientTime.UTC(),
			ServerTime: e.ServerTime.UTC(),
			IP:         e.IP,
			DeviceID:   e.DeviceID,
			UserID:     e.UserID,
			Event:      e.Event,
			Properties: string(props),
		}
	}
	return events, nil
}
