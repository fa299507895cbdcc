// Package origin serves scripted responses, standing in for a flaky
// destination when exercising the throttle end to end.
package origin

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Response is one scripted answer.
type Response struct {
	Status int
	// RetryAfter, when positive, is sent as a Retry-After header in seconds.
	RetryAfter time.Duration
	// Malformed replaces the JSON body with a truncated one.
	Malformed bool
	// OptOut asks clients to turn backoff off for this host.
	OptOut bool
}

func (r Response) String() string {
	var b strings.Builder
	b.WriteString(strconv.Itoa(r.Status))
	if r.Malformed {
		b.WriteByte('!')
	}
	if r.OptOut {
		b.WriteByte('~')
	}
	if r.RetryAfter > 0 {
		b.WriteByte('@')
		b.WriteString(r.RetryAfter.String())
	}
	return b.String()
}

// ParseResponse reads a token of the form <status>[!][~][@<duration>]: "!"
// marks a malformed body, "~" an opt-out header and "@" a Retry-After.
func ParseResponse(raw string) (Response, error) {
	var r Response
	rest := strings.TrimSpace(raw)

	if code, hint, ok := strings.Cut(rest, "@"); ok {
		d, err := time.ParseDuration(hint)
		if err != nil {
			return Response{}, fmt.Errorf("response %q: retry-after: %w", raw, err)
		}
		if d < 0 {
			return Response{}, fmt.Errorf("response %q: retry-after must not be negative", raw)
		}
		r.RetryAfter = d
		rest = code
	}

	for {
		switch {
		case strings.HasSuffix(rest, "!"):
			r.Malformed = true
		case strings.HasSuffix(rest, "~"):
			r.OptOut = true
		default:
			status, err := strconv.Atoi(rest)
			if err != nil {
				return Response{}, fmt.Errorf("response %q: status: %w", raw, err)
			}
			if status < 100 || status > 999 {
				return Response{}, fmt.Errorf("response %q: status %d out of range", raw, status)
			}
			r.Status = status
			return r, nil
		}
		rest = rest[:len(rest)-1]
	}
}

// ParseScript reads comma separated responses.
func ParseScript(s string) ([]Response, error) {
	var script []Response
	for _, raw := range strings.Split(s, ",") {
		if strings.TrimSpace(raw) == "" {
			continue
		}

		r, err := ParseResponse(raw)
		if err != nil {
			return nil, err
		}
		script = append(script, r)
	}

	if len(script) == 0 {
		return nil, errors.New("empty script")
	}

	return script, nil
}

func (r Response) retryAfterHeader() string {
	secs := int64((r.RetryAfter + time.Second - 1) / time.Second)
	return strconv.FormatInt(secs, 10)
}

func (r Response) body(hit int64) string {
	if r.Malformed {
		return `{"status":`
	}
	return fmt.Sprintf(`{"status":%d,"text":%q,"hit":%d}`, r.Status, http.StatusText(r.Status), hit)
}
