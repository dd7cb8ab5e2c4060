package crawler

import (
	"fmt"
	"mime"
	"net/url"
	"path"
	"strings"
)

// NormalizeURL standardizes a URL so the visited set and merge logic can
// treat spelling variants as one resource. It lowercases the scheme and
// host, removes default ports, drops fragments, sorts query parameters,
// and collapses an empty path to "/".
func NormalizeURL(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)

	if u.Scheme == "http" && strings.HasSuffix(u.Host, ":80") {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" && strings.HasSuffix(u.Host, ":443") {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}

	u.Fragment = ""

	if u.Host != "" && u.Path == "" {
		u.Path = "/"
	}

	q := u.Query()
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// ResolveLink resolves a possibly relative href against the page it was
// found on and normalizes the result. Non-HTTP schemes (mailto, tel,
// javascript) return an error so callers can skip them.
func ResolveLink(pageURL, href string) (string, error) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return "", fmt.Errorf("parse href: %w", err)
	}
	abs := base.ResolveReference(ref)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", abs.Scheme)
	}
	return NormalizeURL(abs.String())
}

// SameHost reports whether two URLs point at the same hostname. A "www."
// prefix difference is not considered a different host.
func SameHost(a, b string) bool {
	ua, err := url.Parse(a)
	if err != nil {
		return false
	}
	ub, err := url.Parse(b)
	if err != nil {
		return false
	}
	return strings.EqualFold(stripWWW(ua.Hostname()), stripWWW(ub.Hostname()))
}

func stripWWW(host string) string {
	return strings.TrimPrefix(strings.ToLower(host), "www.")
}

// FileTypeForURL classifies a URL by its path extension.
func FileTypeForURL(rawURL string) FileType {
	u, err := url.Parse(rawURL)
	if err != nil {
		return FileTypeUnknown
	}
	switch strings.ToLower(path.Ext(u.Path)) {
	case ".pdf":
		return FileTypePDF
	case ".xlsx":
		return FileTypeXLSX
	case ".xls":
		return FileTypeXLS
	case ".doc", ".docx":
		return FileTypeDoc
	case ".html", ".htm", ".php", ".aspx", "":
		return FileTypeHTML
	default:
		return FileTypeUnknown
	}
}

// FileTypeForContentType classifies a response by its Content-Type header,
// used by the HEAD-first probe where no extension is available.
func FileTypeForContentType(contentType string) FileType {
	switch mediaType(contentType) {
	case "application/pdf":
		return FileTypePDF
	case "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":
		return FileTypeXLSX
	case "application/vnd.ms-excel":
		return FileTypeXLS
	case "application/msword",
		"application/vnd.openxmlformats-officedocument.wordprocessingml.document":
		return FileTypeDoc
	case "text/html", "application/xhtml+xml":
		return FileTypeHTML
	default:
		return FileTypeUnknown
	}
}

// IsDocumentType reports whether the file type is a downloadable document
// rather than a traversable page.
func IsDocumentType(ft FileType) bool {
	switch ft {
	case FileTypePDF, FileTypeXLSX, FileTypeXLS, FileTypeDoc:
		return true
	default:
		return false
	}
}

func mediaType(header string) string {
	if header == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(header)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(strings.Split(header, ";")[0]))
	}
	return mt
}

func containsLower(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}
