package crawler

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorKind classifies why a fetch attempt failed.
type ErrorKind string

// Error taxonomy shared by all strategies.
const (
	KindMalformedURL       ErrorKind = "malformed_url"
	KindNetwork            ErrorKind = "network_error"
	KindTLS                ErrorKind = "tls_error"
	KindChallenge          ErrorKind = "challenge_response"
	KindBlocked            ErrorKind = "blocked_response"
	KindArchiveUnavailable ErrorKind = "archive_unavailable"
	KindClient             ErrorKind = "client_error"
	KindServer             ErrorKind = "server_error"
	KindEmptyContent       ErrorKind = "empty_content"
	KindBrowser            ErrorKind = "browser_error"
)

// Fatal reports whether an error of this kind ends the current tier without
// consuming further retry budget.
func (k ErrorKind) Fatal() bool {
	switch k {
	case KindMalformedURL, KindChallenge, KindBlocked, KindArchiveUnavailable, KindClient:
		return true
	default:
		return false
	}
}

// ErrMalformedURL is matched by errors.Is for any KindMalformedURL error.
var ErrMalformedURL = errors.New("malformed url")

// FetchError is the error type returned by strategies.
type FetchError struct {
	Kind       ErrorKind
	Tier       Tier
	URL        string
	StatusCode int
	// Terminal ends the tier regardless of Kind.
	Terminal bool
	Err      error
}

// Error implements error.
func (e *FetchError) Error() string {
	var b strings.Builder
	if e.Tier != "" {
		b.WriteString(string(e.Tier))
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.StatusCode > 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes the underlying cause.
func (e *FetchError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrMalformedURL) match typed malformed-url errors.
func (e *FetchError) Is(target error) bool {
	return target == ErrMalformedURL && e.Kind == KindMalformedURL
}

// NewFetchError builds a FetchError for the given tier.
func NewFetchError(tier Tier, kind ErrorKind, url string, err error) *FetchError {
	return &FetchError{Kind: kind, Tier: tier, URL: url, Err: err}
}

// StatusError builds a FetchError from an HTTP status code using the shared
// classification rules.
func StatusError(tier Tier, url string, status int) *FetchError {
	return &FetchError{
		Kind:       ClassifyStatus(status),
		Tier:       tier,
		URL:        url,
		StatusCode: status,
		Err:        fmt.Errorf("unexpected status %s", http.StatusText(status)),
	}
}

// ClassifyStatus maps a non-success HTTP status onto the error taxonomy.
func ClassifyStatus(status int) ErrorKind {
	switch {
	case status == http.StatusAccepted:
		return KindChallenge
	case status == http.StatusForbidden || status == http.StatusServiceUnavailable:
		return KindBlocked
	case status == http.StatusTooManyRequests || status == http.StatusRequestTimeout:
		return KindServer
	case status >= 400 && status < 500:
		return KindClient
	case status >= 500:
		return KindServer
	default:
		return KindNetwork
	}
}

// KindOf extracts the ErrorKind from err. Untyped errors, timeouts included,
// count as network errors.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindNetwork
}

// IsFatal reports whether err should stop same-tier retries.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Terminal || fe.Kind.Fatal()
	}
	return false
}
