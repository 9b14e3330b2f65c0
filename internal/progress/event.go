// Package progress defines the event structures emitted while a fetch run progresses.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageRunStart Stage = "RUN_START"
	StageRunDone  Stage = "RUN_DONE"
	StageAttempt  Stage = "TIER_ATTEMPT"
	StageURLDone  Stage = "URL_DONE"
)

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// Supported HTTP status classes.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// Event captures a single component of run progress.
type Event struct {
	// RunID identifies one processing pass using the 16-byte UUID form.
	RunID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which milestone occurred.
	Stage Stage
	// Site is the host label of the URL.
	Site string
	// URL is the canonical URL.
	URL string
	// Tier is the fallback tier an attempt ran on.
	Tier string
	// Attempt is the 1-based attempt number within the tier.
	Attempt int
	// Result is "ok" or an error kind for attempts, the outcome source for URL_DONE.
	Result string
	// StatusClass groups HTTP response codes (2xx, 3xx, etc).
	StatusClass StatusClass
	// Bytes carries the content size.
	Bytes int64
	// Dur captures attempt, URL or run latency.
	Dur time.Duration
	// Note carries low-volume context such as error text.
	Note string
	// RecordIDs lists the records citing the URL (URL_DONE only).
	RecordIDs []string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == [16]byte{} {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunDone:
	case StageAttempt:
		if e.Tier == "" {
			return errors.New("attempt requires tier")
		}
		if e.Attempt <= 0 {
			return errors.New("attempt number must be > 0")
		}
	case StageURLDone:
		if e.URL == "" {
			return errors.New("url done requires url")
		}
		if e.Result == "" {
			return errors.New("url done requires result")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// RunUUID converts the binary run ID to uuid.UUID.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}

// ClassifyStatus groups HTTP status codes.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusOther
	}
}
