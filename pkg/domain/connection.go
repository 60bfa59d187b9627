package domain

import "time"

// DefaultBaseURL is the backend address assumed before the first connect.
const DefaultBaseURL = "http://localhost:8888"

// ConnectionState is the lifecycle position of the backend connection.
type ConnectionState string

const (
	ConnDisconnected ConnectionState = "disconnected"
	ConnConnecting   ConnectionState = "connecting"
	ConnConnected    ConnectionState = "connected"
)

// Connection describes the process-wide link to the kernel backend.
// The live transport is owned by the connection manager and never exposed here.
type Connection struct {
	BaseURL     string          `json:"base_url"`
	Token       string          `json:"-"`
	State       ConnectionState `json:"state"`
	Connected   bool            `json:"connected"`
	ConnectedAt *time.Time      `json:"connected_at,omitempty"`
}

// NewConnection returns the disconnected default.
func NewConnection() Connection {
	return Connection{
		BaseURL: DefaultBaseURL,
		State:   ConnDisconnected,
	}
}

// HasToken reports whether a credential is configured.
func (c Connection) HasToken() bool {
	return c.Token != ""
}
