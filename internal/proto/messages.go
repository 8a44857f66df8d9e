package proto

import "time"

// WebSocket close codes sent to the browser.
const (
	CloseNormal        = 1000
	CloseGoingAway     = 1001
	CloseInternalError = 1011
)

// Query parameters of the upgrade request.
const (
	ParamHost  = "host"
	ParamPort  = "port"
	ParamModel = "model"
)

// SessionRecord is the JSON form of a session, served by the state API and
// stored in Redis when mirroring is enabled.
type SessionRecord struct {
	ID       uint64    `json:"id"`
	Host     string    `json:"host"`
	Port     string    `json:"port"`
	Model    string    `json:"model"`
	Remote   string    `json:"remote,omitempty"`
	Instance string    `json:"instance,omitempty"`
	Created  time.Time `json:"created"`
	BytesIn  int64     `json:"bytes_in"`
	BytesOut int64     `json:"bytes_out"`
}

// Stats is the payload of /api/state.
type Stats struct {
	Sessions      int             `json:"sessions"`
	TotalSessions uint64          `json:"total_sessions"`
	Failures      int64           `json:"connect_failures"`
	Now           string          `json:"now"`
	Records       []SessionRecord `json:"records"`
}
