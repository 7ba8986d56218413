package pst

import (
	"strings"
	"time"

	"github.com/dhcgn/mailvec/mbox"
	"github.com/dhcgn/mailvec/model"
)

// item holds the mail properties read from one message object.
type item struct {
	Subject       string
	SenderName    string
	SenderAddress string
	MessageID     string
	DisplayTo     string
	DisplayCc     string
	Body          string
	BodyHTML      string
	SubmitTime    int64
	DeliveryTime  int64
	Attachments   []model.Attachment
}

func (it item) record() model.MessageRecord {
	rec := model.MessageRecord{
		NativeID:      strings.Trim(strings.TrimSpace(it.MessageID), "<>"),
		Subject:       mbox.CleanHeader(it.Subject),
		SenderName:    mbox.CleanHeader(it.SenderName),
		SenderAddress: strings.ToLower(mbox.CleanHeader(it.SenderAddress)),
		Recipients:    recipients(it.DisplayTo, it.DisplayCc),
		Attachments:   it.Attachments,
	}
	if rec.Attachments == nil {
		rec.Attachments = []model.Attachment{}
	}

	rec.SentAt = timestamp(it.SubmitTime)
	if rec.SentAt == nil {
		rec.SentAt = timestamp(it.DeliveryTime)
	}

	body := it.Body
	if strings.TrimSpace(body) == "" {
		body = mbox.HTMLToText(it.BodyHTML)
	}
	rec.BodyText = mbox.CleanBody(body)
	return rec
}

// recipients splits the semicolon separated display lists.
func recipients(lists ...string) []string {
	out := []string{}
	for _, list := range lists {
		for _, r := range strings.Split(list, ";") {
			if r = mbox.CleanHeader(r); r != "" {
				out = append(out, r)
			}
		}
	}
	return out
}

const (
	// 100ns intervals between 1601-01-01 and 1970-01-01.
	fileTimeEpoch = 116444736000000000
	nanosFloor    = 1e18
	fileTimeFloor = 1e16
	millisFloor   = 1e11
)

// timestamp converts a time property. Depending on the property reader the
// value is a FILETIME or a Unix time in seconds, milliseconds or
// nanoseconds; the magnitude tells them apart for any date after 1970.
func timestamp(v int64) *time.Time {
	var t time.Time
	switch {
	case v <= 0:
		return nil
	case v >= nanosFloor:
		t = time.Unix(0, v)
	case v >= fileTimeFloor:
		if v < fileTimeEpoch {
			return nil
		}
		t = time.Unix(0, (v-fileTimeEpoch)*100)
	case v >= millisFloor:
		t = time.UnixMilli(v)
	default:
		t = time.Unix(v, 0)
	}
	t = t.UTC()
	return &t
}
