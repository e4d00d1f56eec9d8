package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist
// (or has already been purged).
var ErrNotFound = errors.New("not found")

// ErrSoftDeleted is returned when an operation targets a soft-deleted
// record that must be restored first.
var ErrSoftDeleted = errors.New("record is deleted; restore it first")

// ErrInvalid is returned when the input fails validation.
var ErrInvalid = errors.New("invalid input")

// MaxContentLength bounds record content size in characters.
const MaxContentLength = 100_000

// DefaultCategory is assigned to records created without an explicit category.
const DefaultCategory = "general"

// Record is a unit of stored knowledge.
type Record struct {
	ID             int64
	Title          string
	Content        string
	Category       string
	Tags           string // JSON array stored as text
	Embedding      []float32
	CreatedAt      time.Time
	UpdatedAt      time.Time
	DeletedAt      *time.Time
	LastAccessedAt *time.Time
}

// ContextRow is a priority-ordered identity/rule entry injected before or
// during agent turns. Keys are unique; writes upsert.
type ContextRow struct {
	Key       string
	Content   string
	Priority  int // lower = more important, injected first
	Always    bool
	UpdatedAt time.Time
}

// Candidate is one (record id, backend-native score) pair produced by a
// signal query. Scores across signals live on incompatible scales and are
// only meaningful for ordering within a single signal.
type Candidate struct {
	ID    int64
	Score float64
}

// Job is a queued background task (currently only embed_record).
type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}

// Stats summarizes the store for operator display.
type Stats struct {
	ActiveRecords  int
	DeletedRecords int
	WithEmbedding  int
	ByCategory     map[string]int
}
