package core

import "time"

// Session is the durable description of a meeting. It is written to the store
// on create, read on join, and deleted when the host leaves. The access secret
// is never stored in plaintext.
type Session struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	SecretHash      string    `json:"secret_hash"`
	HostID          string    `json:"host_id"`
	RequirePassword bool      `json:"require_password"`
	RequireApproval bool      `json:"require_approval"`
	CreatedAt       time.Time `json:"created_at"`
}
