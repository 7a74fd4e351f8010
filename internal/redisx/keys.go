package redisx

import "time"

const (
	// Dedup of consumed events: dedup:{consumer}:{event_id}
	KeyDedup = "dedup:%s:%s"
)

var TTLDedup = 48 * time.Hour
