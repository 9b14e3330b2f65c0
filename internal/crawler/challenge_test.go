package crawler

import (
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChallengeDetector(t *testing.T) {
	t.Parallel()

	d := NewChallengeDetector(DefaultMinTextBytes, nil)
	article := "<p>" + strings.Repeat("The advisory describes a heap overflow. ", 20) + "</p>"

	tests := []struct {
		name string
		body string
		want bool
	}{
		{name: "cloudflare title", body: "<html><head><title>Just a moment...</title></head><body></body></html>", want: true},
		{name: "script shell", body: `<html><body><noscript>Please enable JavaScript to continue.</noscript><script src="/app.js"></script></body></html>`, want: true},
		{name: "shell keyword without scripts", body: "<html><body>Please enable JavaScript to continue.</body></html>", want: false},
		{name: "scripted article", body: `<html><body><script>var x;</script>` + article + `<noscript>enable javascript for comments</noscript></body></html>`, want: false},
		{name: "marker only in an embedded script", body: `<html><head><title>CVE-2024-1</title></head><body><script src="/cdn-cgi/challenge-platform/scripts/x.js"></script>` + article + `</body></html>`, want: false},
		{name: "plain page", body: "<html><head><title>Advisory</title></head><body>fixed in 1.2.3</body></html>", want: false},
		{name: "empty", body: "", want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, d.Interstitial([]byte(tt.body)))
		})
	}
}

func TestChallengeDetectorShellCheckDisabled(t *testing.T) {
	t.Parallel()

	d := NewChallengeDetector(0, nil)
	require.False(t, d.Interstitial([]byte(`<html><body>enable javascript<script></script></body></html>`)))
	require.True(t, d.Interstitial([]byte(`<title>Just a moment...</title>`)))

	var none *ChallengeDetector
	require.False(t, none.Interstitial([]byte(`<title>Just a moment...</title>`)))
}

func TestChallengeError(t *testing.T) {
	t.Parallel()

	err := ChallengeError(TierDirect, "https://example.com", http.StatusOK)
	require.Equal(t, KindChallenge, KindOf(err))
	require.True(t, IsFatal(err), "a challenge escalates instead of retrying in-tier")
	require.Equal(t, http.StatusOK, err.StatusCode)
}
