package compress

import "strings"

// CompressibleType reports whether a response of this media type benefits from
// on-the-fly compression. Images, archives and video are already compressed.
func CompressibleType(contentType string) bool {
	ct := strings.ToLower(contentType)
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	switch {
	case strings.HasPrefix(ct, "text/"):
		return true
	case strings.HasSuffix(ct, "+json"), strings.HasSuffix(ct, "+xml"):
		return true
	}
	switch ct {
	case "application/json", "application/javascript", "application/xml",
		"application/wasm", "image/svg+xml", "application/x-javascript",
		"application/manifest+json", "font/ttf", "font/otf":
		return true
	}
	return false
}
