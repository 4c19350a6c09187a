// Package config holds the runtime wiring options for building the app
// (adapted from the teacher's internal/app/config.go).
package config

import "net/http"

// Config holds runtime wiring options for building the app.
type Config struct {
	HomeDir  string       // config/data directory, e.g. $HOME/.duskline
	RelayURL string       // relay base URL, e.g. http://127.0.0.1:8080
	HTTP     *http.Client // optional; defaults to http.DefaultClient
}
