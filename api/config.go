package api

import "time"

// Config is the API server configuration.
type Config struct {
	// Address to listen on (e.g., "127.0.0.1:3000")
	ListenAddr string

	// StreamTTL is how long an opened reply stream is kept for its reader.
	// Streams not claimed in time are dropped; the reply is still saved.
	StreamTTL time.Duration
}
