package model

import "time"

// MessageRecord is one normalized message from an archive. Records are
// immutable once written to the canonical store.
type MessageRecord struct {
	ID            string       `json:"id"`
	NativeID      string       `json:"native_id"`
	Subject       string       `json:"subject"`
	SenderName    string       `json:"sender_name"`
	SenderAddress string       `json:"sender_address"`
	Recipients    []string     `json:"recipients"`
	FolderPath    string       `json:"folder_path"`
	SentAt        *time.Time   `json:"sent_at"`
	BodyText      string       `json:"body_text"`
	Attachments   []Attachment `json:"attachments"`
	SourceOffset  int64        `json:"source_offset"`

	// Index is the zero-based position inside FolderPath, malformed
	// messages included.
	Index int `json:"-"`
}

// Attachment carries attachment metadata only.
type Attachment struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// Envelope wraps a record alongside an optional error encountered while decoding.
type Envelope struct {
	Record MessageRecord
	Err    error
}
