package websocket

import (
	"time"

	"github.com/gorilla/websocket"
)

// EventType represents the type of WebSocket event
type EventType string

const (
	// EventTypePage is sent when a page finishes, whatever its outcome
	EventTypePage EventType = "page"
	// EventTypeRun is sent when a pipeline run finishes
	EventTypeRun EventType = "run"
	// EventTypeConnection represents connection events
	EventTypeConnection EventType = "connection"
	// EventTypePong answers a client ping
	EventTypePong EventType = "pong"
)

// Event represents a WebSocket event sent to clients
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
	RunID     string      `json:"run_id,omitempty"`
}

// PageEvent reports the outcome of one page. It never carries page text or
// original values.
type PageEvent struct {
	Page         string  `json:"page"`
	Status       string  `json:"status"`
	Entries      int     `json:"entries"`
	Minted       int     `json:"minted"`
	Reused       int     `json:"reused"`
	Replacements int     `json:"replacements"`
	ErrorKind    string  `json:"error_kind,omitempty"`
	Error        string  `json:"error,omitempty"`
	ProcessingMS float64 `json:"processing_ms"`
}

// RunEvent summarizes a finished pipeline run
type RunEvent struct {
	TotalPages int     `json:"total_pages"`
	Certified  int     `json:"certified"`
	Failed     int     `json:"failed"`
	Skipped    int     `json:"skipped"`
	DurationMS float64 `json:"duration_ms"`
}

// ConnectionEvent represents WebSocket connection events
type ConnectionEvent struct {
	Action   string `json:"action"` // "connected", "disconnected"
	ClientID string `json:"client_id"`
	Message  string `json:"message,omitempty"`
}

// ClientMessage represents messages sent from clients to server
type ClientMessage struct {
	Type string             `json:"type"`
	Data SubscriptionRequest `json:"data"`
}

// SubscriptionRequest narrows what a client receives
type SubscriptionRequest struct {
	Events []EventType `json:"events"`
	// Statuses limits page events to these statuses, e.g. ["failed"]
	Statuses []string `json:"statuses,omitempty"`
}

// Client represents a WebSocket client connection
type Client struct {
	ID           string
	Conn         *websocket.Conn
	Send         chan Event
	Subscription *SubscriptionRequest
	ConnectedAt  time.Time
	IP           string
	UserAgent    string
}
