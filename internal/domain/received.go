package domain

import "time"

// ReceivedEvent is an event as seen by the collector after decoding a wire record.
type ReceivedEvent struct {
	ServerTime time.Time  `json:"server_time"`
	IP         string     `json:"ip"`
	ClientTime time.Time  `json:"client_time"`
	DeviceID   string     `json:"device_id"`
	UserID     string     `json:"user_id"`
	Event      string     `json:"event"`
	Properties Properties `json:"properties"`
}

func (e *ReceivedEvent) EnrichWith(clientIP string, serverTime time.Time) {
	e.IP = clientIP
	e.ServerTime = serverTime
}

type EventBatch struct {
	ID     string          `json:"id"`
	Events []ReceivedEvent `json:"events"`
}
