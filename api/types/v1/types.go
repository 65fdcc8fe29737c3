// Package types defines shared JSON types for the sipcore status API.
package types

// HealthResponse is the response from /api/v1/health
type HealthResponse struct {
	Status string `json:"status"`
	Uptime int64  `json:"uptime"`
}

// StatsResponse is the response from /api/v1/stats
type StatsResponse struct {
	ActiveDialogs      int `json:"active_dialogs"`
	TotalRegistrations int `json:"total_registrations"`
}

// Registration represents a stored registrar contact
type Registration struct {
	AOR        string   `json:"aor"`
	ContactURI string   `json:"contact_uri"`
	Index      string   `json:"index"`
	Transport  string   `json:"transport"`
	RemoteAddr string   `json:"remote_addr,omitempty"`
	Expire     uint64   `json:"expire"`
	QValue     float32  `json:"q,omitempty"`
	InstanceID string   `json:"instance_id,omitempty"`
	RegID      string   `json:"reg_id,omitempty"`
	Path       []string `json:"path,omitempty"`
}

// Dialog represents a tracked SIP dialog
type Dialog struct {
	ID           string `json:"id"`
	CallID       string `json:"call_id"`
	State        string `json:"state"`
	InviteStatus string `json:"invite_status,omitempty"`
	LocalURI     string `json:"local_uri"`
	RemoteURI    string `json:"remote_uri"`
	CreatedAt    string `json:"created_at"`
}
