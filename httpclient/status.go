package httpclient

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// maxErrorBody caps how much of an error response is kept for diagnostics.
const maxErrorBody = 1 << 12

// StatusError is a non-2xx HTTP response. Its StatusCode method feeds the
// retry classifier, and RetryAfter surfaces the server's backpressure hint.
type StatusError struct {
	Code       int
	Status     string
	URL        string
	Body       []byte
	retryAfter time.Duration
}

func (e *StatusError) Error() string {
	if len(e.Body) != 0 {
		return fmt.Sprintf("%s returned %s: %s", e.URL, e.Status, e.Body)
	}
	return fmt.Sprintf("%s returned %s", e.URL, e.Status)
}

func (e *StatusError) StatusCode() int { return e.Code }

func (e *StatusError) RetryAfter() (time.Duration, bool) {
	return e.retryAfter, e.retryAfter > 0
}

// CheckResponse maps a non-2xx response into a *StatusError, consuming up
// to maxErrorBody of its body. 2xx responses pass through untouched.
func CheckResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	var body, _ = io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	_ = resp.Body.Close()

	var err = &StatusError{
		Code:   resp.StatusCode,
		Status: resp.Status,
		Body:   body,
	}
	if resp.Request != nil && resp.Request.URL != nil {
		err.URL = resp.Request.URL.Redacted()
	}
	err.retryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
	return err
}

// parseRetryAfter accepts both delta-seconds and HTTP-date forms.
func parseRetryAfter(header string, now time.Time) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
