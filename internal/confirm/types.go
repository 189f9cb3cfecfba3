package confirm

import "time"

// Status is the lifecycle state of a confirmation request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusRedeemed Status = "redeemed"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
)

// Request is one outstanding or settled confirmation.
type Request struct {
	Token       string    `json:"token"`
	Target      string    `json:"target"`
	Fingerprint string    `json:"fingerprint"`
	Prompt      string    `json:"prompt,omitempty"`
	Status      Status    `json:"status"`
	RequestedAt time.Time `json:"requested_at"`
	ExpiresAt   time.Time `json:"expires_at,omitempty"`
	SettledAt   time.Time `json:"settled_at,omitempty"`
}

// IssueInput contains fields needed to issue a confirmation token.
type IssueInput struct {
	Target      string
	Fingerprint string
	Prompt      string
	TTL         time.Duration
}

// Query filters requests when listing.
type Query struct {
	Token  string
	Status Status
	Target string
}
