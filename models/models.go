package models

import (
	"encoding/json"
	"time"
)

// Entry is a single stored key with its raw JSON value.
type Entry struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	Revision  int64           `json:"revision"`   // Store revision of the transaction that wrote it
	UpdatedAt time.Time       `json:"updated_at"` // UTC
}

// Snapshot is the on-disk representation of the whole store.
type Snapshot struct {
	FormatVersion int              `json:"format_version"`
	Revision      int64            `json:"revision"`
	Entries       map[string]Entry `json:"entries"`
}

// ChangeOp identifies what happened to a key.
type ChangeOp string

const (
	ChangePut    ChangeOp = "put"
	ChangeDelete ChangeOp = "delete"
)

// Change is published to subscribers after every committed write.
type Change struct {
	Revision int64     `json:"revision"`
	Key      string    `json:"key"`
	Op       ChangeOp  `json:"op"`
	At       time.Time `json:"at"`
}

// ContentEntry is one editable piece of site content, addressed by a dotted key.
type ContentEntry struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	Revision  int64           `json:"revision"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Role is a privilege tier. Tiers are ordered: anonymous < user < admin < supreme.
type Role string

const (
	RoleAnonymous Role = "anonymous"
	RoleUser      Role = "user"
	RoleAdmin     Role = "admin"
	RoleSupreme   Role = "supreme"
)

// UserAccount represents a registered site user.
type UserAccount struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	Email            string    `json:"email"` // Unique (case-insensitive)
	PasswordHash     string    `json:"password_hash,omitempty"`
	Phone            string    `json:"phone,omitempty"`
	RegistrationDate time.Time `json:"registration_date"`
	IsActive         bool      `json:"is_active"`
	Role             Role      `json:"role"`
	Revision         int64     `json:"revision"`
}

// Sanitized returns a copy safe to send to clients.
func (u UserAccount) Sanitized() UserAccount {
	u.PasswordHash = ""
	return u
}

// RequestStatus is the lifecycle state of a support request.
type RequestStatus string

const (
	StatusPending    RequestStatus = "pending"
	StatusInProgress RequestStatus = "in_progress"
	StatusResolved   RequestStatus = "resolved"
	StatusClosed     RequestStatus = "closed"
)

// Priority of a support request.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Request is a support request submitted by a client.
type Request struct {
	ID        string        `json:"id"`
	UserID    string        `json:"user_id"`
	UserName  string        `json:"user_name"`
	Subject   string        `json:"subject"`
	Message   string        `json:"message"`
	Priority  Priority      `json:"priority"`
	Status    RequestStatus `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
	Responses []Response    `json:"responses"` // Append-only, insertion order
	Revision  int64         `json:"revision"`
}

// Response is a reply appended to a Request.
type Response struct {
	ID         string    `json:"id"`
	AuthorID   string    `json:"author_id"`
	AuthorName string    `json:"author_name"`
	AuthorRole Role      `json:"author_role"`
	Message    string    `json:"message"`
	Timestamp  time.Time `json:"timestamp"`
}

// ChatStatus of a chat session.
type ChatStatus string

const (
	ChatActive ChatStatus = "active"
	ChatClosed ChatStatus = "closed"
)

// ChatSession is a conversation between a client and the agency.
type ChatSession struct {
	ID           string        `json:"id"`
	ClientID     string        `json:"client_id"`
	ClientName   string        `json:"client_name"`
	Messages     []ChatMessage `json:"messages"`
	Status       ChatStatus    `json:"status"`
	CreatedAt    time.Time     `json:"created_at"`
	LastActivity time.Time     `json:"last_activity"`
	Revision     int64         `json:"revision"`
}

// ChatMessage is one line in a ChatSession.
type ChatMessage struct {
	ID         string    `json:"id"`
	SenderID   string    `json:"sender_id"`
	SenderName string    `json:"sender_name"`
	SenderRole Role      `json:"sender_role"`
	Text       string    `json:"text"`
	Timestamp  time.Time `json:"timestamp"`
}

// Notification is delivered to exactly one recipient partition.
type Notification struct {
	ID        string    `json:"id"`
	Recipient string    `json:"recipient"` // Lower-cased email, or AdminRecipient
	Type      string    `json:"type"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Read      bool      `json:"read"`
	Revision  int64     `json:"revision"`
}

// Severity of an admin log entry.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// AdminLog records an administrative action.
type AdminLog struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Action    string    `json:"action"`
	User      string    `json:"user"`
	Details   string    `json:"details,omitempty"`
	Severity  Severity  `json:"severity"`
	Revision  int64     `json:"revision"`
}

// UploadedFile is the metadata of a file held in blob storage.
type UploadedFile struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	Checksum    string    `json:"checksum"` // sha256 hex
	StorageKey  string    `json:"storage_key"`
	UploadedBy  string    `json:"uploaded_by"`
	UploadedAt  time.Time `json:"uploaded_at"`
	Revision    int64     `json:"revision"`
}

// Quote is a quote request submitted through the public site.
type Quote struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Phone     string    `json:"phone,omitempty"`
	Service   string    `json:"service,omitempty"`
	Message   string    `json:"message"`
	Files     []string  `json:"files"`
	CreatedAt time.Time `json:"created_at"`
	Revision  int64     `json:"revision"`
}

// Session is a login session referenced by the token's jti claim.
type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Email     string    `json:"email"`
	Tier      Role      `json:"tier"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the session is no longer valid at t.
func (s Session) Expired(t time.Time) bool {
	return !t.Before(s.ExpiresAt)
}
