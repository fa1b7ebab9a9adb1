package cache

import (
	"net/http"
	"path"
	"strings"

	"github.com/dmitrijs2005/diarysync/internal/models"
)

var apiPrefixes = []string{"/functions/", "/api/"}

var imageExt = map[string]struct{}{
	".png": {}, ".jpg": {}, ".jpeg": {}, ".gif": {}, ".webp": {},
	".svg": {}, ".ico": {}, ".avif": {}, ".bmp": {},
}

var staticExt = map[string]struct{}{
	".js": {}, ".mjs": {}, ".css": {}, ".woff": {}, ".woff2": {},
	".ttf": {}, ".otf": {}, ".eot": {}, ".map": {}, ".json": {},
	".webmanifest": {}, ".wasm": {},
}

// Classify maps a request to exactly one resource class. Anything that is
// not a GET, or leaves the trusted origins, is ClassNone and goes straight
// to the network.
func Classify(req *http.Request, origins *Origins) models.ResourceClass {
	if req.Method != http.MethodGet && req.Method != "" {
		return models.ClassNone
	}
	if !origins.Contains(req.URL) {
		return models.ClassNone
	}

	p := req.URL.Path
	for _, prefix := range apiPrefixes {
		if strings.HasPrefix(p, prefix) {
			return models.ClassAPI
		}
	}

	ext := strings.ToLower(path.Ext(p))
	if _, ok := imageExt[ext]; ok {
		return models.ClassImage
	}
	if _, ok := staticExt[ext]; ok {
		return models.ClassStatic
	}

	if req.Header.Get("Sec-Fetch-Mode") == "navigate" ||
		strings.Contains(req.Header.Get("Accept"), "text/html") ||
		ext == "" || ext == ".html" || ext == ".htm" {
		return models.ClassNavigation
	}
	return models.ClassNone
}

// BuildKey is the resource identifier of a request: method and absolute URL
// without fragment.
func BuildKey(method, rawURL string) string {
	if method == "" {
		method = http.MethodGet
	}
	if i := strings.IndexByte(rawURL, '#'); i >= 0 {
		rawURL = rawURL[:i]
	}
	return strings.ToUpper(method) + " " + rawURL
}

func requestKey(req *http.Request) string {
	return BuildKey(req.Method, req.URL.String())
}
