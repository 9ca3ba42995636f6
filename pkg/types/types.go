package types

import (
	"encoding/json"
	"time"
)

// AuthMethod selects how a session authenticates against the IMAP server.
type AuthMethod string

const (
	AuthPassword AuthMethod = "password"
	AuthXOAuth2  AuthMethod = "xoauth2"
)

// Account represents one configured IMAP account.
type Account struct {
	ID         int64      `json:"id" db:"id"`
	Name       string     `json:"name" db:"name"`
	Host       string     `json:"host" db:"host"`
	Port       int        `json:"port" db:"port"`
	Username   string     `json:"username" db:"username"`
	AuthMethod AuthMethod `json:"auth_method" db:"auth_method"`
	UseTLS     bool       `json:"use_tls" db:"use_tls"`
}

// Folder is one remote mailbox container. UIDValidity is authoritative: when
// the server reports a different value, every cached message row under this
// folder is invalid.
type Folder struct {
	ID             int64      `json:"id" db:"id"`
	AccountID      int64      `json:"account_id" db:"account_id"`
	Name           string     `json:"name" db:"name"`
	Delimiter      string     `json:"delimiter" db:"delimiter"`
	UIDValidity    uint32     `json:"uid_validity" db:"uid_validity"`
	HighestModSeq  uint64     `json:"highest_modseq" db:"highest_modseq"`
	MessageCount   int        `json:"message_count" db:"message_count"`
	TotalSizeBytes int64      `json:"total_size_bytes" db:"total_size_bytes"`
	LastScannedAt  *time.Time `json:"last_scanned_at,omitempty" db:"last_scanned_at"`
}

// Attachment describes one attachment-like leaf part found in a message's
// BODYSTRUCTURE. PartPath is the dotted IMAP part number ("2.1").
type Attachment struct {
	PartPath string `json:"part_path"`
	Filename string `json:"filename"`
	MIMEType string `json:"mime_type"`
	Size     uint32 `json:"size"`
}

// Message is one cached server message. The (FolderID, UID) pair identifies
// it only while the folder's UIDValidity is unchanged; MessageID is the
// cross-folder identity key.
type Message struct {
	ID            int64        `json:"id"`
	UID           uint32       `json:"uid"`
	FolderID      int64        `json:"folder_id"`
	MessageID     string       `json:"message_id"`
	InReplyTo     string       `json:"in_reply_to,omitempty"`
	From          string       `json:"from"`
	To            string       `json:"to"`
	Subject       string       `json:"subject"`
	Date          time.Time    `json:"date"`
	SizeBytes     int64        `json:"size_bytes"`
	HasAttachment bool         `json:"has_attachment"`
	Attachments   []Attachment `json:"attachments,omitempty"`
	Flags         []string     `json:"flags,omitempty"`
	CachedAt      time.Time    `json:"cached_at"`

	// Populated by joins, not stored.
	FolderName string `json:"folder_name,omitempty"`
	// Annotation set by duplicate/detached-pair queries ("Original",
	// "Detached Copy", "3 labels").
	Tag string `json:"tag,omitempty"`
}

// AttachmentsJSON serializes the attachment summary for storage.
func (m *Message) AttachmentsJSON() string {
	if len(m.Attachments) == 0 {
		return "[]"
	}
	b, err := json.Marshal(m.Attachments)
	if err != nil {
		return "[]"
	}
	return string(b)
}

// FlagsJSON serializes the flag list for storage.
func (m *Message) FlagsJSON() string {
	if len(m.Flags) == 0 {
		return "[]"
	}
	b, err := json.Marshal(m.Flags)
	if err != nil {
		return "[]"
	}
	return string(b)
}

// AddressStat is a per-sender or per-receiver aggregation row.
type AddressStat struct {
	Email          string `json:"email" db:"email"`
	Display        string `json:"display" db:"display"`
	MessageCount   int    `json:"message_count" db:"message_count"`
	TotalSizeBytes int64  `json:"total_size_bytes" db:"total_size_bytes"`
}

// FolderSummary is one row of the folder tree summary used by the CLI and
// the advisor context.
type FolderSummary struct {
	ID             int64  `json:"id" db:"id"`
	Name           string `json:"name" db:"name"`
	MessageCount   int    `json:"message_count" db:"message_count"`
	TotalSizeBytes int64  `json:"total_size_bytes" db:"total_size_bytes"`
	OldestDate     string `json:"oldest_date" db:"oldest_date"`
	NewestDate     string `json:"newest_date" db:"newest_date"`
}

// Quota reports mailbox storage usage in bytes. Limit is zero when the
// server does not advertise one.
type Quota struct {
	UsedBytes  int64 `json:"used_bytes"`
	LimitBytes int64 `json:"limit_bytes"`
}
