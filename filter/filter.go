package filter

import (
	"fmt"
	"strings"
	"time"

	"github.com/dhcgn/mailvec/model"
)

const dateLayout = "2006-01-02"

// Criteria is the metadata predicate of a query. Zero fields do not filter.
type Criteria struct {
	// Sender matches sender_address or sender_name, ignoring case.
	Sender string
	// Folder matches folder_path byte for byte.
	Folder string
	// DateFrom and DateTo bound the sent date in whole UTC days, both
	// inclusive. Records without a sent date never match a date bound.
	DateFrom *time.Time
	DateTo   *time.Time
	// Subject and Body are case-insensitive substrings.
	Subject string
	Body    string
}

// IsZero reports whether c lets every record through.
func (c Criteria) IsZero() bool {
	return c.Sender == "" && c.Folder == "" && c.DateFrom == nil && c.DateTo == nil && c.Subject == "" && c.Body == ""
}

func (c Criteria) Validate() error {
	if c.DateFrom != nil && c.DateTo != nil && day(*c.DateFrom).After(day(*c.DateTo)) {
		return fmt.Errorf("date range is empty: %s is after %s", c.DateFrom.Format(dateLayout), c.DateTo.Format(dateLayout))
	}
	return nil
}

// Where is the part of c the vector store can evaluate as exact equality.
func (c Criteria) Where() map[string]string {
	if c.Folder == "" {
		return nil
	}
	return map[string]string{model.MetaFolderPath: c.Folder}
}

// Match evaluates c against the metadata and body text of one record.
func (c Criteria) Match(meta map[string]string, content string) bool {
	if c.Folder != "" && meta[model.MetaFolderPath] != c.Folder {
		return false
	}
	if c.Sender != "" {
		if !strings.EqualFold(meta[model.MetaSenderAddress], c.Sender) && !strings.EqualFold(meta[model.MetaSenderName], c.Sender) {
			return false
		}
	}
	if c.DateFrom != nil || c.DateTo != nil {
		sent, err := time.Parse(time.RFC3339, meta[model.MetaSentAt])
		if err != nil {
			return false
		}
		d := day(sent)
		if c.DateFrom != nil && d.Before(day(*c.DateFrom)) {
			return false
		}
		if c.DateTo != nil && d.After(day(*c.DateTo)) {
			return false
		}
	}
	if c.Subject != "" && !containsFold(meta[model.MetaSubject], c.Subject) {
		return false
	}
	if c.Body != "" && !containsFold(content, c.Body) {
		return false
	}
	return true
}

// Describe lists the active filters in a fixed order, e.g. "sender 'bob'".
func (c Criteria) Describe() []string {
	var parts []string
	if c.Sender != "" {
		parts = append(parts, fmt.Sprintf("sender '%s'", c.Sender))
	}
	if c.Folder != "" {
		parts = append(parts, fmt.Sprintf("folder '%s'", c.Folder))
	}
	switch {
	case c.DateFrom != nil && c.DateTo != nil:
		parts = append(parts, fmt.Sprintf("date between %s and %s", c.DateFrom.Format(dateLayout), c.DateTo.Format(dateLayout)))
	case c.DateFrom != nil:
		parts = append(parts, fmt.Sprintf("date from %s", c.DateFrom.Format(dateLayout)))
	case c.DateTo != nil:
		parts = append(parts, fmt.Sprintf("date until %s", c.DateTo.Format(dateLayout)))
	}
	if c.Subject != "" {
		parts = append(parts, fmt.Sprintf("subject containing '%s'", c.Subject))
	}
	if c.Body != "" {
		parts = append(parts, fmt.Sprintf("body containing '%s'", c.Body))
	}
	return parts
}

// ParseDate accepts YYYY-MM-DD or RFC 3339 and returns the UTC day.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(dateLayout, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse date %q: want YYYY-MM-DD", s)
	}
	return day(t), nil
}

func day(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
