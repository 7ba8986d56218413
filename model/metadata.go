package model

import "time"

// Metadata keys stored next to every vector.
const (
	MetaSubject       = "subject"
	MetaSenderName    = "sender_name"
	MetaSenderAddress = "sender_address"
	MetaFolderPath    = "folder_path"
	MetaSentAt        = "sent_at"
)

// Metadata flattens the filterable fields of rec. A missing sent date is
// stored as an empty string.
func Metadata(rec MessageRecord) map[string]string {
	meta := map[string]string{
		MetaSubject:       rec.Subject,
		MetaSenderName:    rec.SenderName,
		MetaSenderAddress: rec.SenderAddress,
		MetaFolderPath:    rec.FolderPath,
		MetaSentAt:        "",
	}
	if rec.SentAt != nil {
		meta[MetaSentAt] = rec.SentAt.UTC().Format(time.RFC3339)
	}
	return meta
}
