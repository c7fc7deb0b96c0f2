package contracts

import "time"

// ChangeNotice is published by change-relay on an agenda or principal subject.
// Subscribers treat it as an invalidation hint only.
type ChangeNotice struct {
	EventID     string    `json:"event_id"`
	Table       string    `json:"table"`
	Op          string    `json:"op"`
	AgendaID    string    `json:"agenda_id,omitempty"`
	PrincipalID string    `json:"principal_id,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
	ShardID     int       `json:"shard_id"`
}

// StoreNotification is the payload of the store's change trigger.
type StoreNotification struct {
	Table       string `json:"table"`
	Op          string `json:"op"`
	AgendaID    string `json:"agenda_id"`
	PrincipalID string `json:"principal_id"`
}

// ShareRequest is the body of POST /api/v1/shares.
type ShareRequest struct {
	AgendaID   string `json:"agenda_id"`
	Email      string `json:"email"`
	Permission string `json:"permission"`
}

type ShareGrant struct {
	ID         string    `json:"id"`
	AgendaID   string    `json:"agenda_id"`
	GranteeID  string    `json:"grantee_id"`
	Permission string    `json:"permission"`
	CreatedAt  time.Time `json:"created_at"`
}

// ShareResponse carries either the grant or an error message with its code.
type ShareResponse struct {
	Success     bool        `json:"success"`
	Share       *ShareGrant `json:"share,omitempty"`
	GranteeName string      `json:"grantee_name,omitempty"`
	Error       string      `json:"error,omitempty"`
	Code        string      `json:"code,omitempty"`
}
