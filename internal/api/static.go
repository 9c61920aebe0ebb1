package api

import (
	"embed"
	"net/http"
)

//go:embed static/index.html static/docs.html static/openapi.yaml
var static embed.FS

// serveStatic writes one embedded asset with the given content type.
func serveStatic(name, contentType string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, err := static.ReadFile("static/" + name)
		if err != nil {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", contentType)
		_, _ = w.Write(b)
	}
}
