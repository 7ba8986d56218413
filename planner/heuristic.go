package planner

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/dhcgn/mailvec/filter"
)

// Heuristic parses queries with regular expressions. It never fails.
type Heuristic struct{}

func NewHeuristic() *Heuristic {
	return &Heuristic{}
}

func (h *Heuristic) Name() string {
	return "heuristic"
}

// value matches a quoted string or an unquoted run ending before the next
// cue word or punctuation.
const value = `(?:"([^"]+)"|'([^']+)'|([^"',?!]+?))(?:\s+(?:and|in|since|after|before|until|during|about|regarding|with|subject|body|containing|that|which|from|sent)\b|\s*[,?!]|\.?\s*$)`

var (
	countCue = regexp.MustCompile(`(?i)\bhow\s+many\b|\bcount\b.*\b(?:e-?mails?|messages?)\b|\bnumber\s+of\s+(?:e-?mails?|messages?)\b|\btotal\s+(?:e-?mails?|messages?)\b`)

	explicit = regexp.MustCompile(`(?i)\b(from|folder|subject|body|after|before|since|until):\s*(?:"([^"]*)"|'([^']*)'|(\S+))`)

	inYear      = regexp.MustCompile(`(?i)\b(?:in|during)\s+((?:19|20)\d{2})\b`)
	sinceDate   = regexp.MustCompile(`(?i)\b(since|after)\s+(\d{4}-\d{2}-\d{2})\b`)
	untilDate   = regexp.MustCompile(`(?i)\b(before|until)\s+(\d{4}-\d{2}-\d{2})\b`)
	folderCue   = regexp.MustCompile(`(?i)\b(?:in\s+(?:the\s+)?folder|folder\s+is)\s+` + value)
	bodyCue     = regexp.MustCompile(`(?i)\b(?:body|content)\s+(?:contains|includes|containing|including)\s+` + value)
	subjectCue  = regexp.MustCompile(`(?i)\b(?:with\s+)?subject\s+(?:is\s+|contains\s+|containing\s+|like\s+)?` + value)
	senderCue   = regexp.MustCompile(`(?i)\b(?:from|sent\s+by|sender\s+is)\s+` + value)
	countPhrase = regexp.MustCompile(`(?i)\b(?:how\s+many|count(?:\s+(?:of|the|all))?|number\s+of|total)\b`)
	filler      = regexp.MustCompile(`(?i)\b(?:e-?mails?|messages?|mails?|are\s+there|were\s+there|do\s+i\s+have|did\s+i\s+get|show\s+me|find|all|the)\b`)
)

func (h *Heuristic) Parse(ctx context.Context, text string) (Intent, error) {
	if err := ctx.Err(); err != nil {
		return Intent{}, err
	}

	intent := Intent{Kind: KindSearch}
	if countCue.MatchString(text) {
		intent.Kind = KindCount
	}

	rest := text
	c := &intent.Filter

	rest = explicit.ReplaceAllStringFunc(rest, func(m string) string {
		sub := explicit.FindStringSubmatch(m)
		v := firstNonEmpty(sub[2], sub[3], sub[4])
		switch strings.ToLower(sub[1]) {
		case "from":
			c.Sender = v
		case "folder":
			c.Folder = v
		case "subject":
			c.Subject = v
		case "body":
			c.Body = v
		case "since", "after", "before", "until":
			if !setDate(c, strings.ToLower(sub[1]), v) {
				return m
			}
		}
		return " "
	})

	if m := sinceDate.FindStringSubmatchIndex(rest); m != nil && c.DateFrom == nil {
		if setDate(c, strings.ToLower(rest[m[2]:m[3]]), rest[m[4]:m[5]]) {
			rest = rest[:m[0]] + " " + rest[m[1]:]
		}
	}
	if m := untilDate.FindStringSubmatchIndex(rest); m != nil && c.DateTo == nil {
		if setDate(c, strings.ToLower(rest[m[2]:m[3]]), rest[m[4]:m[5]]) {
			rest = rest[:m[0]] + " " + rest[m[1]:]
		}
	}
	if m := inYear.FindStringSubmatchIndex(rest); m != nil && c.DateFrom == nil && c.DateTo == nil {
		year, _ := strconv.Atoi(rest[m[2]:m[3]])
		from := time.Date(year, 1, 1, 0, 0, 0, 0, time.UTC)
		to := time.Date(year, 12, 31, 0, 0, 0, 0, time.UTC)
		c.DateFrom, c.DateTo = &from, &to
		rest = rest[:m[0]] + " " + rest[m[1]:]
	}

	for _, cue := range []struct {
		re  *regexp.Regexp
		dst *string
	}{
		{folderCue, &c.Folder},
		{bodyCue, &c.Body},
		{subjectCue, &c.Subject},
		{senderCue, &c.Sender},
	} {
		if *cue.dst != "" {
			continue
		}
		v, remaining, ok := extract(cue.re, rest)
		if ok {
			*cue.dst = v
			rest = remaining
		}
	}

	if c.DateFrom != nil && c.DateTo != nil && c.DateFrom.After(*c.DateTo) {
		c.DateFrom, c.DateTo = nil, nil
	}

	rest = countPhrase.ReplaceAllString(rest, " ")
	rest = filler.ReplaceAllString(rest, " ")
	intent.SemanticText = strings.Trim(strings.Join(strings.Fields(rest), " "), " ?!.,")
	return intent, nil
}

// extract returns the value captured by re and text without the match.
// The terminating cue word stays in the text.
func extract(re *regexp.Regexp, text string) (string, string, bool) {
	m := re.FindStringSubmatchIndex(text)
	if m == nil {
		return "", text, false
	}
	for g := 1; g <= 3; g++ {
		start, end := m[2*g], m[2*g+1]
		if start < 0 {
			continue
		}
		v := strings.TrimSpace(text[start:end])
		if g < 3 {
			end++ // closing quote
		}
		v = strings.TrimRight(v, ".")
		if v == "" {
			return "", text, false
		}
		return v, text[:m[0]] + " " + text[end:], true
	}
	return "", text, false
}

func setDate(c *filter.Criteria, cue, raw string) bool {
	t, err := filter.ParseDate(raw)
	if err != nil {
		return false
	}
	switch cue {
	case "since":
		c.DateFrom = &t
	case "after":
		next := t.AddDate(0, 0, 1)
		c.DateFrom = &next
	case "until":
		c.DateTo = &t
	case "before":
		prev := t.AddDate(0, 0, -1)
		c.DateTo = &prev
	}
	return true
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
