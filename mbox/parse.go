package mbox

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"golang.org/x/net/html"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/unicode/norm"

	"github.com/dhcgn/mailvec/model"
)

var errNoHeader = errors.New("message has no header block")

// parseMessage decodes one raw RFC 5322 message. Header fields that fail to
// decode fall back to their raw value; a body part that cannot be decoded
// fails the whole message.
func parseMessage(raw []byte) (model.MessageRecord, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return model.MessageRecord{}, errNoHeader
	}

	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return model.MessageRecord{}, fmt.Errorf("read header: %w", err)
	}
	defer mr.Close()

	if mr.Header.Len() == 0 {
		return model.MessageRecord{}, errNoHeader
	}

	record := model.MessageRecord{
		Subject:     CleanHeader(headerText(mr.Header, "Subject")),
		NativeID:    nativeID(mr.Header, raw),
		Recipients:  []string{},
		Attachments: []model.Attachment{},
	}

	if from, err := mr.Header.AddressList("From"); err == nil && len(from) > 0 {
		record.SenderName = CleanHeader(from[0].Name)
		record.SenderAddress = strings.ToLower(strings.TrimSpace(from[0].Address))
	} else {
		record.SenderAddress = CleanHeader(mr.Header.Get("From"))
	}

	for _, key := range []string{"To", "Cc"} {
		list, err := mr.Header.AddressList(key)
		if err != nil {
			continue
		}
		for _, addr := range list {
			record.Recipients = append(record.Recipients, strings.ToLower(strings.TrimSpace(addr.Address)))
		}
	}

	if date, err := mr.Header.Date(); err == nil && !date.IsZero() {
		utc := date.UTC()
		record.SentAt = &utc
	}

	var plain, htmlText []string
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return model.MessageRecord{}, fmt.Errorf("read part: %w", err)
		}

		switch h := part.Header.(type) {
		case *mail.AttachmentHeader:
			name, _ := h.Filename()
			size, err := io.Copy(io.Discard, part.Body)
			if err != nil {
				return model.MessageRecord{}, fmt.Errorf("read attachment %q: %w", name, err)
			}
			record.Attachments = append(record.Attachments, model.Attachment{Name: CleanHeader(name), Size: size})
		case *mail.InlineHeader:
			contentType, _, _ := h.ContentType()
			body, err := io.ReadAll(part.Body)
			if err != nil {
				return model.MessageRecord{}, fmt.Errorf("read %s part: %w", contentType, err)
			}
			switch contentType {
			case "", "text/plain":
				plain = append(plain, string(body))
			case "text/html":
				htmlText = append(htmlText, HTMLToText(string(body)))
			}
		}
	}

	body := strings.Join(plain, "\n")
	if strings.TrimSpace(body) == "" {
		body = strings.Join(htmlText, "\n")
	}
	record.BodyText = CleanBody(body)

	return record, nil
}

func headerText(h mail.Header, key string) string {
	text, err := h.Text(key)
	if err != nil {
		return h.Get(key)
	}
	return text
}

// nativeID is the Message-ID without angle brackets, or a digest of the raw
// message when the header is missing.
func nativeID(h mail.Header, raw []byte) string {
	if id, err := h.MessageID(); err == nil && id != "" {
		return id
	}
	if id := strings.Trim(strings.TrimSpace(h.Get("Message-Id")), "<>"); id != "" {
		return id
	}
	sum := sha256.Sum256(raw)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// HTMLToText keeps text nodes outside script and style, with block elements
// separated by newlines.
func HTMLToText(src string) string {
	var b strings.Builder
	tokenizer := html.NewTokenizer(strings.NewReader(src))
	skip := 0
	for {
		switch tokenizer.Next() {
		case html.ErrorToken:
			return b.String()
		case html.TextToken:
			if skip == 0 {
				b.Write(tokenizer.Text())
			}
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := tokenizer.TagName()
			switch string(name) {
			case "script", "style":
				skip++
			case "br", "p", "div", "tr", "li", "h1", "h2", "h3", "h4", "h5", "h6":
				b.WriteByte('\n')
			}
		case html.EndTagToken:
			name, _ := tokenizer.TagName()
			switch string(name) {
			case "script", "style":
				if skip > 0 {
					skip--
				}
			case "p", "div", "tr", "li", "table":
				b.WriteByte('\n')
			}
		}
	}
}

var latin1 = charmap.Windows1252.NewDecoder()

// toUTF8 reinterprets invalid UTF-8 as Windows-1252, the usual culprit for
// undeclared legacy charsets.
func toUTF8(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	decoded, err := latin1.String(s)
	if err != nil {
		return strings.ToValidUTF8(s, "�")
	}
	return decoded
}

// CleanBody normalizes decoded body text to NFC UTF-8 with "\n" line
// endings and no control characters other than newline and tab.
func CleanBody(s string) string {
	s = toUTF8(s)
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = norm.NFC.String(s)
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
	return strings.TrimSpace(s)
}

// CleanHeader is CleanBody for single-line values.
func CleanHeader(s string) string {
	s = CleanBody(s)
	return strings.Join(strings.Fields(s), " ")
}
