// Package model holds the records shared by the storage control plane,
// its caches and its persistence adapters.
package model

import "time"

// Account is a user's durable quota record.
type Account struct {
	ID         int64     `json:"id"`
	Name       string    `json:"name"`
	QuotaLimit int64     `json:"quota_limit"`
	BytesUsed  int64     `json:"bytes_used"`
	CreatedAt  time.Time `json:"created_at"`
}

// FileRecord is the metadata of one stored file version.
// Size and Locator never change once the record is committed.
type FileRecord struct {
	ID          int64     `json:"id"`
	OwnerID     int64     `json:"owner_id"`
	LineageID   int64     `json:"lineage_id"` // ID of version 1 of this file
	Version     int       `json:"version"`
	Name        string    `json:"name"`
	Locator     string    `json:"locator"` // Physical storage key
	Size        int64     `json:"size"`
	Fingerprint string    `json:"fingerprint"` // Content digest, "sha256:<hex>"
	ContentType string    `json:"content_type"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Session is an authenticated session issued by the session cache.
type Session struct {
	Token     string    `json:"token"`
	UserID    int64     `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Share grants access to a file, either to one user or publicly via a token.
type Share struct {
	ID         int64      `json:"id"`
	FileID     int64      `json:"file_id"`
	SharedBy   int64      `json:"shared_by"`
	SharedWith int64      `json:"shared_with,omitempty"` // 0 for public shares
	Public     bool       `json:"public"`
	Token      string     `json:"token,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Expired reports whether the share has an expiry in the past.
func (s *Share) Expired(now time.Time) bool {
	return s.ExpiresAt != nil && now.After(*s.ExpiresAt)
}

// ActivityEntry is one row of the user activity log.
type ActivityEntry struct {
	ID           int64     `json:"id"`
	UserID       int64     `json:"user_id"`
	Action       string    `json:"action"`
	ResourceType string    `json:"resource_type"`
	ResourceID   int64     `json:"resource_id"`
	Details      string    `json:"details"`
	CreatedAt    time.Time `json:"created_at"`
}

// Activity actions.
const (
	ActionUpload      = "UPLOAD"
	ActionNewVersion  = "NEW_VERSION"
	ActionDownload    = "DOWNLOAD"
	ActionDelete      = "DELETE"
	ActionRename      = "RENAME"
	ActionShare       = "SHARE"
	ActionRevokeShare = "REVOKE_SHARE"
	ActionLogin       = "LOGIN"
	ActionLogout      = "LOGOUT"

	ActionCreateAccount = "CREATE_ACCOUNT"
	ActionSetQuota      = "SET_QUOTA"
)

// Activity resource types.
const (
	ResourceFile    = "FILE"
	ResourceShare   = "SHARE"
	ResourceSession = "SESSION"
	ResourceAccount = "ACCOUNT"
)

// UsageStats summarises a user's storage consumption.
type UsageStats struct {
	UserID           int64   `json:"user_id"`
	Used             int64   `json:"used"`
	Quota            int64   `json:"quota"`
	Percent          float64 `json:"percent"`
	ApproachingLimit bool    `json:"approaching_limit"`
	FileCount        int     `json:"file_count"`
}
