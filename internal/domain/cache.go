package domain

import (
	"net/http"
	"time"
)

// CacheEntry is a stored response inside a named cache generation.
type CacheEntry struct {
	Generation string
	Key        string // request identity: path plus query
	Status     int
	Header     http.Header
	Body       []byte
	StoredAt   time.Time
}
