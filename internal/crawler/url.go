package crawler

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var schemePrefix = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9+.\-]*://`)

// Normalize canonicalizes a raw reference URL into the key used for dedup and
// storage. Query strings and fragments are preserved as written. The result
// is stable: Normalize(Normalize(u)) == Normalize(u).
func Normalize(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", malformed(raw, errors.New("empty url"))
	}

	s = collapseScheme(s)
	switch {
	case strings.HasPrefix(s, "//"):
		s = "http:" + s
	case !schemePrefix.MatchString(s):
		s = "http://" + s
	}

	u, err := url.Parse(s)
	if err != nil {
		return "", malformed(raw, fmt.Errorf("parse url: %w", err))
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", malformed(raw, fmt.Errorf("unsupported scheme %q", u.Scheme))
	}
	if u.Hostname() == "" {
		return "", malformed(raw, errors.New("missing host"))
	}

	u.Host = strings.ToLower(u.Host)
	// Trailing slashes are trimmed on the escaped path so an encoded %2F
	// stays part of the resource name. All of them go, which keeps the
	// result idempotent.
	if escaped := u.EscapedPath(); strings.HasSuffix(escaped, "/") {
		trimmed := strings.TrimRight(escaped, "/")
		decoded, err := url.PathUnescape(trimmed)
		if err != nil {
			return "", malformed(raw, fmt.Errorf("unescape path: %w", err))
		}
		u.Path = decoded
		u.RawPath = trimmed
	}
	return u.String(), nil
}

// collapseScheme removes accidental repeated scheme prefixes such as
// "https://https://host", keeping the innermost one.
func collapseScheme(s string) string {
	for {
		loc := schemePrefix.FindStringIndex(s)
		if loc == nil {
			return s
		}
		rest := s[loc[1]:]
		if !schemePrefix.MatchString(rest) {
			return s
		}
		s = rest
	}
}

// Hostname returns the lower-cased host of a canonical URL, or "" when it
// cannot be parsed.
func Hostname(canonical string) string {
	u, err := url.Parse(canonical)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

func malformed(raw string, err error) *FetchError {
	return NewFetchError("", KindMalformedURL, raw, err)
}
