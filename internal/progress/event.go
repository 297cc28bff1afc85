package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageUnitSubmit   Stage = "UNIT_SUBMIT"
	StageUnitStart    Stage = "UNIT_START"
	StageUnitDone     Stage = "UNIT_DONE"
	StageUnitError    Stage = "UNIT_ERROR"
	StageUnitCanceled Stage = "UNIT_CANCELED"
	StageQuotaDenied  Stage = "QUOTA_DENIED"
)

// Terminal reports whether the stage ends a unit run.
func (s Stage) Terminal() bool {
	switch s {
	case StageUnitDone, StageUnitError, StageUnitCanceled, StageQuotaDenied:
		return true
	default:
		return false
	}
}

// Event captures a single unit lifecycle milestone.
type Event struct {
	// TaskID uniquely identifies a unit run using the 16-byte UUID form.
	TaskID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS       time.Time
	Stage    Stage
	Platform string
	JobType  string
	// Mode is the dispatch mode that produced the unit.
	Mode  string
	Posts int64
	// Dur captures execution latency for terminal events.
	Dur time.Duration
	// Note lets emitters attach low-volume context (e.g. error text).
	Note    string
	Matches []crawler.PostMatches
}

// Key returns the unit's job key.
func (e Event) Key() crawler.JobKey {
	return crawler.JobKey{Platform: e.Platform, JobType: e.JobType}
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TaskID == [16]byte{} {
		return errors.New("task id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	if e.Platform == "" || e.JobType == "" {
		return errors.New("platform and job type are required")
	}
	switch e.Stage {
	case StageUnitSubmit, StageUnitStart, StageUnitDone, StageUnitError, StageUnitCanceled, StageQuotaDenied:
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	if e.Posts < 0 {
		return errors.New("posts must be >= 0")
	}
	return nil
}

// TaskUUID converts the binary task ID to uuid.UUID for repositories.
func (e Event) TaskUUID() uuid.UUID {
	return uuid.UUID(e.TaskID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}

// ParseTaskID converts a task ID string into the Event form.
func ParseTaskID(id string) ([16]byte, error) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return [16]byte{}, fmt.Errorf("parse task id: %w", err)
	}
	return UUIDToBytes(parsed), nil
}
