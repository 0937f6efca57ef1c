// Package web serves the live page-event dashboard.
package web

import (
	"bytes"
	_ "embed"
	"net/http"
)

//go:embed dashboard.html
var dashboardHTML []byte

// Dashboard serves the dashboard HTML, connecting to the event stream at wsPath
func Dashboard(wsPath string) http.HandlerFunc {
	page := bytes.ReplaceAll(dashboardHTML, []byte("{{WS_PATH}}"), []byte(wsPath))

	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
		w.Header().Set("Pragma", "no-cache")
		w.Header().Set("Expires", "0")
		_, _ = w.Write(page)
	}
}
