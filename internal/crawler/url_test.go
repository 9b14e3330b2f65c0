package crawler

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "doubled scheme", in: "https://https://example.com/a/", want: "https://example.com/a"},
		{name: "missing scheme", in: "example.com/x", want: "http://example.com/x"},
		{name: "protocol relative", in: "//example.com/x", want: "http://example.com/x"},
		{name: "host case", in: "HTTPS://Example.COM/Path", want: "https://example.com/Path"},
		{name: "surrounding whitespace", in: "  http://example.com/a  ", want: "http://example.com/a"},
		{name: "root slash", in: "http://example.com/", want: "http://example.com"},
		{name: "repeated trailing slashes", in: "http://example.com/a//", want: "http://example.com/a"},
		{name: "encoded slash kept", in: "http://example.com/a%2F", want: "http://example.com/a%2F"},
		{name: "encoded slash before trailing slash", in: "http://example.com/a%2F/", want: "http://example.com/a%2F"},
		{name: "query kept", in: "http://example.com/a/?b=1#frag", want: "http://example.com/a?b=1#frag"},
		{name: "port kept", in: "http://Example.com:8080/a", want: "http://example.com:8080/a"},
		{name: "triple scheme", in: "http://https://http://example.com", want: "http://example.com"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := Normalize(tt.in)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)

			again, err := Normalize(got)
			require.NoError(t, err)
			require.Equal(t, got, again, "normalization must be idempotent")
		})
	}
}

func TestNormalizeMalformed(t *testing.T) {
	t.Parallel()

	for _, in := range []string{"", "   ", "ftp://example.com/file", "http://", "http://exa mple.com/%zz"} {
		_, err := Normalize(in)
		require.Error(t, err, "input %q", in)
		require.True(t, errors.Is(err, ErrMalformedURL), "input %q: %v", in, err)
		require.Equal(t, KindMalformedURL, KindOf(err))
	}
}

func TestHostname(t *testing.T) {
	t.Parallel()

	require.Equal(t, "example.com", Hostname("https://example.com:443/a"))
	require.Equal(t, "", Hostname("::not a url"))
}
