package crawler

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassifyContent(t *testing.T) {
	t.Parallel()

	html := []byte("<html><head><title>x</title></head></html>")
	pdf := []byte("%PDF-1.7\n...")
	tests := []struct {
		name        string
		contentType string
		url         string
		body        []byte
		want        ContentKind
	}{
		{name: "html", contentType: "text/html; charset=utf-8", url: "http://example.com/a", body: html, want: ContentHTML},
		{name: "pdf by type", contentType: "application/pdf", url: "http://example.com/a", body: []byte("data"), want: ContentBinary},
		{name: "pdf by extension", contentType: "text/html", url: "http://example.com/paper.PDF", body: html, want: ContentBinary},
		{name: "pdf by magic", contentType: "text/html", url: "http://example.com/download", body: pdf, want: ContentBinary},
		{name: "image prefix", contentType: "image/png", url: "http://example.com/i", body: []byte{0x89}, want: ContentBinary},
		{name: "office", contentType: "application/vnd.openxmlformats-officedocument.wordprocessingml.document", url: "http://example.com/d", body: []byte("x"), want: ContentBinary},
		{name: "empty", contentType: "text/html", url: "http://example.com/a", want: ContentEmpty},
		{name: "no type", url: "http://example.com/a", body: []byte("plain"), want: ContentHTML},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, ClassifyContent(tt.contentType, tt.url, tt.body))
		})
	}
}

func TestIsBinaryTypeMalformedHeader(t *testing.T) {
	t.Parallel()

	require.True(t, IsBinaryType("Application/PDF;;"))
	require.False(t, IsBinaryType(""))
	require.False(t, IsBinaryType("text/plain"))
}

func TestExtractTitle(t *testing.T) {
	t.Parallel()

	require.Equal(t, "Advisory one", ExtractTitle([]byte("<html><head><title>\n Advisory\n  one </title></head><body><title>b</title></body></html>")))
	require.Equal(t, "", ExtractTitle([]byte("<p>no title</p>")))
}
