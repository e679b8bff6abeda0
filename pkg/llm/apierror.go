package llm

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jllopis/tradecrew/pkg/errors"
	"github.com/jllopis/tradecrew/pkg/resilience"
)

// APIError classifies a failed backend call as an INFERENCE error. Status
// zero means the request never got an HTTP answer (network failure) and is
// retried; otherwise only 429 and 5xx are. A Retry-After header is kept as a
// minimum wait for the retry loop.
func APIError(msg string, status int, header http.Header, cause error) *errors.CrewError {
	err := errors.New(errors.CodeInference, msg, cause).
		WithRecoverable(status == 0 || status == http.StatusTooManyRequests || status >= 500)
	if status != 0 {
		err = err.WithContext("status", status)
	}
	if d, ok := RetryAfter(header); ok {
		err = err.WithContext(resilience.RetryAfterKey, d)
	}
	return err
}

// RetryAfter parses a Retry-After header given in seconds or as an HTTP date.
func RetryAfter(header http.Header) (time.Duration, bool) {
	v := strings.TrimSpace(header.Get("Retry-After"))
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, secs > 0
	}
	if at, err := http.ParseTime(v); err == nil {
		d := time.Until(at)
		return d, d > 0
	}
	return 0, false
}
