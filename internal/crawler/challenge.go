package crawler

import (
	"bytes"
	"errors"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// DefaultChallengeMarkers identify anti-bot interstitials served in place of content.
var DefaultChallengeMarkers = []string{
	"just a moment...",
	"checking your browser",
	"cf-browser-verification",
	"challenge-platform",
	"attention required! | cloudflare",
	"ddos protection by",
}

// DefaultShellKeywords appear in the visible text of script-only shells.
var DefaultShellKeywords = []string{
	"enable javascript",
	"javascript is required",
	"javascript is disabled",
	"checking your browser",
	"please wait while we verify",
}

var errInterstitial = errors.New("interstitial served in place of content")

// DefaultMinTextBytes is the visible-text size below which a scripted page
// may be a shell.
const DefaultMinTextBytes = 256

// titleMarkers only count when they are the whole document title; CDNs embed
// the other markers in ordinary pages too.
var titleMarkers = []string{
	"just a moment...",
	"attention required! | cloudflare",
	"checking your browser",
	"ddos-guard",
}

// ChallengeDetector recognizes successful HTML responses that are really an
// interstitial: a challenge page, or a script shell whose only text asks the
// client to run JavaScript.
type ChallengeDetector struct {
	minTextBytes int
	keywords     [][]byte
}

// NewChallengeDetector constructs a detector. A nil keyword list uses
// DefaultShellKeywords; minTextBytes <= 0 disables the shell check.
func NewChallengeDetector(minTextBytes int, keywords []string) *ChallengeDetector {
	if keywords == nil {
		keywords = DefaultShellKeywords
	}
	lowerKeywords := make([][]byte, 0, len(keywords))
	for _, kw := range keywords {
		kw = strings.TrimSpace(kw)
		if kw == "" {
			continue
		}
		lowerKeywords = append(lowerKeywords, bytes.ToLower([]byte(kw)))
	}
	return &ChallengeDetector{
		minTextBytes: minTextBytes,
		keywords:     lowerKeywords,
	}
}

// Interstitial inspects an HTML body for challenge signals.
func (d *ChallengeDetector) Interstitial(body []byte) bool {
	if d == nil || len(body) == 0 {
		return false
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return false
	}
	title := strings.ToLower(strings.TrimSpace(doc.Find("title").First().Text()))
	for _, marker := range titleMarkers {
		if title == marker {
			return true
		}
	}
	return d.scriptShell(doc)
}

func (d *ChallengeDetector) scriptShell(doc *goquery.Document) bool {
	if d.minTextBytes <= 0 || len(d.keywords) == 0 {
		return false
	}
	if doc.Find("script").Length() == 0 {
		return false
	}
	body := doc.Find("body").Clone()
	body.Find("script, style").Remove()
	text := bytes.ToLower([]byte(strings.TrimSpace(body.Text())))
	if len(text) >= d.minTextBytes {
		return false
	}
	for _, kw := range d.keywords {
		if bytes.Contains(text, kw) {
			return true
		}
	}
	return false
}

// ChallengeError reports an interstitial served with a success status.
func ChallengeError(tier Tier, url string, status int) *FetchError {
	fe := NewFetchError(tier, KindChallenge, url, errInterstitial)
	fe.StatusCode = status
	return fe
}
