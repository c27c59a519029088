package models

import "time"

// RemoteStatus is the connection lifecycle state of one remote.
type RemoteStatus string

const (
	RemoteDisconnected   RemoteStatus = "DISCONNECTED"
	RemoteConnecting     RemoteStatus = "CONNECTING"
	RemoteAwaitingDuplex RemoteStatus = "AWAITING_DUPLEX"
	RemoteConnected      RemoteStatus = "CONNECTED"
	RemoteError          RemoteStatus = "ERROR"
)

// RemoteInfo is a point-in-time snapshot of a remote for observers.
type RemoteInfo struct {
	UUID        string       `json:"uuid"`
	ServiceName string       `json:"service_name"`
	Address     string       `json:"address"`
	Port        int          `json:"port"`
	AuthPort    int          `json:"auth_port"`
	Hostname    string       `json:"hostname"`
	DisplayName string       `json:"display_name"`
	UserName    string       `json:"user_name"`
	HasAvatar   bool         `json:"has_avatar"`
	Status      RemoteStatus `json:"status"`
	LastError   string       `json:"last_error,omitempty"`
	Transfers   int          `json:"transfers"`
	UpdatedAt   time.Time    `json:"updated_at"`
}
