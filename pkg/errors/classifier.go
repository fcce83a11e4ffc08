package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// StatusError carries an HTTP-like status outcome from a transport collaborator.
// Transports wrap upstream responses in it so classification can map status
// codes without depending on any HTTP package.
type StatusError struct {
	Code              int
	RetryAfterSeconds int
	Message           string
	Err               error
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("status %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("status %d", e.Code)
}

func (e *StatusError) Unwrap() error {
	return e.Err
}

var (
	statusCodePattern = regexp.MustCompile(`status(?: code)?[:= ]*(\d{3})`)
	retryAfterPattern = regexp.MustCompile(`retry[-_ ]after[:= ]*(\d+)`)
)

// Classify turns any raw failure into a classified Record. It is deterministic
// and never panics: already-classified errors pass through unchanged, transport
// signals map to retryable kinds, status codes map per the taxonomy, and
// anything unmatched defaults to a retryable server error so the retry engine
// fails open toward retrying.
func Classify(err error) *Record {
	if err == nil {
		return nil
	}

	// Pass-through for already-classified errors
	var rec *Record
	if errors.As(err, &rec) {
		return rec
	}

	if rec := classifyTransport(err); rec != nil {
		return rec
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return classifyStatus(statusErr.Code, statusErr.RetryAfterSeconds, err)
	}

	// Status-code-like signals embedded in the message
	msg := strings.ToLower(err.Error())
	if m := statusCodePattern.FindStringSubmatch(msg); m != nil {
		code, _ := strconv.Atoi(m[1])
		retryAfter := 0
		if ra := retryAfterPattern.FindStringSubmatch(msg); ra != nil {
			retryAfter, _ = strconv.Atoi(ra[1])
		}
		return classifyStatus(code, retryAfter, err)
	}

	// Fail open toward retrying
	return New(KindServer, err.Error()).WithCause(err)
}

// ClassifyWithComponent classifies and stamps the originating component
func ClassifyWithComponent(err error, component string) *Record {
	rec := Classify(err)
	if rec == nil {
		return nil
	}
	if rec.Component == "" {
		rec.Component = component
	}
	return rec
}

func classifyTransport(err error) *Record {
	if errors.Is(err, context.DeadlineExceeded) {
		return New(KindTimeout, "operation deadline exceeded").WithCause(err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return New(KindTimeout, netErr.Error()).WithCause(err)
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "connection refused"):
		return New(KindNetwork, err.Error()).WithCause(err)
	case strings.Contains(msg, "connection reset"), strings.Contains(msg, "broken pipe"):
		return New(KindConnectionReset, err.Error()).WithCause(err)
	case strings.Contains(msg, "timed out"), strings.Contains(msg, "timeout"),
		strings.Contains(msg, "deadline exceeded"):
		return New(KindTimeout, err.Error()).WithCause(err)
	case strings.Contains(msg, "no such host"), strings.Contains(msg, "unexpected eof"),
		strings.Contains(msg, "network is unreachable"):
		return New(KindNetwork, err.Error()).WithCause(err)
	}
	return nil
}

// classifyStatus maps status codes to kinds. The retry-after hint arrives in
// seconds (header semantics); it is converted to a time.Duration exactly once,
// here, so the retry engine only ever sees durations.
func classifyStatus(code, retryAfterSeconds int, cause error) *Record {
	switch {
	case code == 401:
		return New(KindAuthentication, cause.Error()).WithCause(cause)
	case code == 403:
		return New(KindAuthorization, cause.Error()).WithCause(cause)
	case code == 404:
		return New(KindNotFound, cause.Error()).WithCause(cause)
	case code == 429:
		rec := New(KindRateLimit, cause.Error()).WithCause(cause)
		if retryAfterSeconds > 0 {
			rec = rec.WithRetryAfter(time.Duration(retryAfterSeconds) * time.Second)
		}
		return rec
	case code >= 500:
		if code == 503 {
			return New(KindTemporaryUnavailable, cause.Error()).WithCause(cause)
		}
		return New(KindServer, cause.Error()).WithCause(cause)
	case code >= 400:
		return New(KindMalformedRequest, cause.Error()).WithCause(cause)
	default:
		return New(KindServer, cause.Error()).WithCause(cause)
	}
}
