package models

import "time"

// GrantScopeAll is the wildcard scope matching any target path.
const GrantScopeAll = "*"

// PermissionGrant permits one tool on one scope for the lifetime of a
// session. Grants are created on user approval and never mutated.
type PermissionGrant struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Tool      string    `json:"tool"`
	Scope     string    `json:"scope"` // literal path or GrantScopeAll
	CreatedAt time.Time `json:"created_at"`
}
