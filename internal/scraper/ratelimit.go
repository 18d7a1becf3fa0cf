package scraper

import (
	"bytes"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/book-relay/internal/relay"
)

const defaultLimitMessage = "daily download limit reached"

var (
	limitMarkers = []string{
		"daily limit",
		"download limit",
		"downloads limit",
		"limit reached",
	}
	limitMessageSelectors = []string{
		".download-limits-error__header",
		".download-limits-error",
		".daily-limit",
	}
	waitPartPattern = regexp.MustCompile(
		`(?i)(\d+)\s*(hours|hour|hrs|hr|h|minutes|minute|mins|min|m|seconds|second|secs|sec|s)\b`,
	)
	waitGapPattern  = regexp.MustCompile(`(?i)^[\s,]*(and)?[\s,]*$`)
	whitespaceRunRe = regexp.MustCompile(`\s+`)
)

// DailyLimitError reports that the active account hit its download quota.
// Wait is zero when the page carried no parseable duration.
type DailyLimitError struct {
	Message  string
	Wait     time.Duration
	WaitText string
}

func (e *DailyLimitError) Error() string {
	if e.WaitText != "" {
		return fmt.Sprintf("%s (retry in %s)", e.Message, e.WaitText)
	}
	return e.Message
}

// RelayError converts the limit into the structured queue error.
func (e *DailyLimitError) RelayError() *relay.Error {
	details := map[string]any{}
	if e.WaitText != "" {
		details["wait"] = e.WaitText
	}
	if e.Wait > 0 {
		details["waitSeconds"] = int64(e.Wait / time.Second)
	}
	return &relay.Error{Message: e.Message, Code: relay.CodeDailyLimit, Details: details}
}

func newDailyLimitError(sig relay.RateLimitSignal) *DailyLimitError {
	err := &DailyLimitError{Message: sig.Message, WaitText: sig.WaitText}
	if sig.Wait != nil {
		err.Wait = *sig.Wait
	}
	return err
}

// ClassifyRateLimit inspects an HTML body for the upstream's daily limit
// page. It returns false when no marker is present.
func ClassifyRateLimit(body []byte) (relay.RateLimitSignal, bool) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return relay.RateLimitSignal{}, false
	}
	text := collapse(doc.Text())
	lower := strings.ToLower(text)
	found := false
	for _, marker := range limitMarkers {
		if strings.Contains(lower, marker) {
			found = true
			break
		}
	}
	if !found {
		return relay.RateLimitSignal{}, false
	}

	sig := relay.RateLimitSignal{Message: limitMessage(doc)}
	if wait, phrase, ok := ParseWaitDuration(text); ok {
		sig.Wait = &wait
		sig.WaitText = phrase
	}
	return sig, true
}

func limitMessage(doc *goquery.Document) string {
	for _, sel := range limitMessageSelectors {
		if msg := collapse(doc.Find(sel).First().Text()); msg != "" {
			return msg
		}
	}
	return defaultLimitMessage
}

// ParseWaitDuration finds the first run of "N hours M minutes S seconds"
// style phrases in text and sums it. Only English hour/minute/second units
// (and their h/m/s abbreviations) are understood.
func ParseWaitDuration(text string) (time.Duration, string, bool) {
	matches := waitPartPattern.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return 0, "", false
	}
	var (
		total time.Duration
		start = matches[0][0]
		end   = matches[0][0]
	)
	for i, m := range matches {
		if i > 0 && !waitGapPattern.MatchString(text[end:m[0]]) {
			break
		}
		n, err := strconv.Atoi(text[m[2]:m[3]])
		if err != nil {
			break
		}
		total += time.Duration(n) * unitOf(text[m[4]:m[5]])
		end = m[1]
	}
	if total <= 0 {
		return 0, "", false
	}
	return total, strings.TrimSpace(text[start:end]), true
}

func unitOf(unit string) time.Duration {
	switch strings.ToLower(unit)[0] {
	case 'h':
		return time.Hour
	case 'm':
		return time.Minute
	default:
		return time.Second
	}
}

// HumanizeDuration renders d as "3 hours 12 minutes".
func HumanizeDuration(d time.Duration) string {
	d = d.Round(time.Second)
	if d <= 0 {
		return "0 seconds"
	}
	h := int(d / time.Hour)
	m := int(d % time.Hour / time.Minute)
	s := int(d % time.Minute / time.Second)
	parts := make([]string, 0, 3)
	for _, p := range []struct {
		n    int
		unit string
	}{{h, "hour"}, {m, "minute"}, {s, "second"}} {
		if p.n == 0 {
			continue
		}
		if p.n == 1 {
			parts = append(parts, "1 "+p.unit)
		} else {
			parts = append(parts, fmt.Sprintf("%d %ss", p.n, p.unit))
		}
	}
	return strings.Join(parts, " ")
}

func collapse(s string) string {
	return strings.TrimSpace(whitespaceRunRe.ReplaceAllString(s, " "))
}
