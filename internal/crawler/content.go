package crawler

import (
	"bytes"
	"mime"
	"net/url"
	"path"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var binaryTypes = map[string]struct{}{
	"application/pdf":              {},
	"application/octet-stream":     {},
	"application/zip":              {},
	"application/gzip":             {},
	"application/x-gzip":           {},
	"application/x-tar":            {},
	"application/x-7z-compressed":  {},
	"application/x-rar-compressed": {},
	"application/msword":           {},
	"application/vnd.ms-excel":     {},
	"application/x-msdownload":     {},
	"application/java-archive":     {},
}

var binaryPrefixes = []string{"image/", "audio/", "video/", "font/", "application/vnd.openxmlformats"}

var binaryExtensions = map[string]struct{}{
	".pdf": {}, ".zip": {}, ".gz": {}, ".tgz": {}, ".tar": {}, ".7z": {}, ".rar": {},
	".exe": {}, ".msi": {}, ".jar": {}, ".doc": {}, ".docx": {}, ".xls": {}, ".xlsx": {},
	".png": {}, ".jpg": {}, ".jpeg": {}, ".gif": {},
}

// pdfMagic is the PDF file signature.
var pdfMagic = []byte("%PDF-")

// ClassifyContent decides how fetched bytes are handled. A declared binary
// content type, a binary file extension on the URL path, or a PDF signature
// all yield ContentBinary; a PDF never classifies as HTML.
func ClassifyContent(contentType, rawURL string, body []byte) ContentKind {
	if len(body) == 0 {
		return ContentEmpty
	}
	if IsBinaryType(contentType) || hasBinaryExtension(rawURL) || bytes.HasPrefix(body, pdfMagic) {
		return ContentBinary
	}
	return ContentHTML
}

// IsBinaryType reports whether a Content-Type header denotes binary content.
func IsBinaryType(contentType string) bool {
	if contentType == "" {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	}
	if _, ok := binaryTypes[mediaType]; ok {
		return true
	}
	for _, prefix := range binaryPrefixes {
		if strings.HasPrefix(mediaType, prefix) {
			return true
		}
	}
	return false
}

func hasBinaryExtension(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	_, ok := binaryExtensions[strings.ToLower(path.Ext(u.Path))]
	return ok
}

// ExtractTitle returns the trimmed <title> text of an HTML document, or "".
func ExtractTitle(body []byte) string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return ""
	}
	return strings.Join(strings.Fields(doc.Find("title").First().Text()), " ")
}
