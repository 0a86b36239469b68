package model

// ScanData is one scan reported into a session. Records are immutable once stored.
type ScanData struct {
	ID            int64  `json:"id"`
	SessionID     string `json:"sessionId"`
	Code          string `json:"code"`
	ScanTimestamp int64  `json:"scan_timestamp"`
	CreatedAt     string `json:"createdAt"`
}

// ScanInput is the payload a scanner submits; the registry fills in the rest.
type ScanInput struct {
	Code          string `json:"code"`
	ScanTimestamp int64  `json:"scan_timestamp"`
}

// SessionStatus reports whether a session still accepts scans from its owner.
type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionClosed SessionStatus = "closed"
)

// Session describes a logical grouping of scans.
type Session struct {
	SessionID    string        `json:"session_id"`
	CreatedAt    string        `json:"created_at"`
	LastActivity string        `json:"last_activity"`
	Status       SessionStatus `json:"status"`
	ScanCount    int           `json:"scan_count"`
}

// EventType names a realtime notification delivered to session subscribers.
type EventType string

const (
	EventScanNew        EventType = "scan:new"
	EventSessionClosed  EventType = "session:closed"
	EventSessionExpired EventType = "session:expired"
)

// SessionEvent is published on the realtime topic of a session.
type SessionEvent struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"sessionId"`
	Scan      *ScanData `json:"scan,omitempty"`
	At        string    `json:"at"`
}

// IngestionError captures a payload that failed validation.
type IngestionError struct {
	Source    string `json:"source"`
	Payload   string `json:"payload"`
	Error     string `json:"error"`
	CreatedAt string `json:"created_at,omitempty"`
}

// AppConfigEntry represents a persisted configuration key/value pair.
type AppConfigEntry struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}
