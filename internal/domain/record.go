package domain

import (
	"context"
	"strings"
	"time"
)

// Status is an ImageRecord's position in the ingestion lifecycle.
type Status string

const (
	StatusRaw       Status = "raw"
	StatusProcessed Status = "processed"
	StatusAccepted  Status = "accepted"
	StatusRejected  Status = "rejected"
	StatusExported  Status = "exported"
)

// RejectReason is the enumerated cause recorded when a record is excluded.
type RejectReason string

const (
	RejectDuplicate     RejectReason = "duplicate"
	RejectBelowMinSize  RejectReason = "below_min_size"
	RejectQualityFilter RejectReason = "quality_filter"
	RejectCorrupt       RejectReason = "corrupt"
)

// TypeLabel values produced by the classification collaborator.
const (
	LabelPhotograph   = "photograph"
	LabelIllustration = "illustration"
	LabelVector       = "vector"
)

// Processing flags recorded on a record.
const (
	FlagWatermarkRemoved = "watermark_removed"
	FlagUpscaleSkipped   = "upscale_skipped"
	FlagEnhanced         = "enhanced"
)

// transitions is the allowed lifecycle graph. A status missing from the map
// is terminal. Self-transitions model idempotent re-runs (re-fetch, re-export)
// and accepted→processed supports re-preprocessing with new parameters.
var transitions = map[Status][]Status{
	StatusRaw:       {StatusRaw, StatusProcessed, StatusRejected},
	StatusProcessed: {StatusProcessed, StatusAccepted, StatusRejected},
	StatusAccepted:  {StatusProcessed, StatusExported, StatusRejected},
	StatusExported:  {StatusExported},
}

// CanTransition reports whether moving from one status to another is allowed.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ImageRecord is the durable metadata for one acquired image. The metadata
// store is the single source of truth for its status; RawPath and
// ProcessedPath are the only authoritative pointers into the file areas.
type ImageRecord struct {
	ID            string
	Source        string // provider name, e.g. "unsplash"
	Query         string // search term that surfaced the image
	SourceURL     string
	Attribution   string // photographer / source credit, immutable once set
	RawPath       string // set once, never overwritten
	ProcessedPath string
	Width         int
	Height        int
	Format        string
	Fingerprint   *uint64 // perceptual hash, nil until the image is hashed
	Status        Status
	RejectReason  RejectReason
	DuplicateOf   string // id of the canonical owner for duplicate rejections
	Caption       string
	TypeLabel     string
	Flags         string // comma-joined processing flags
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// HasFlag reports whether the record carries the given processing flag.
func (r *ImageRecord) HasFlag(flag string) bool {
	for _, f := range strings.Split(r.Flags, ",") {
		if f == flag {
			return true
		}
	}
	return false
}

// Filter selects records from the store. Zero values mean "any".
type Filter struct {
	Statuses  []Status
	Source    string
	Query     string // matches the stored search query
	TypeLabel string
	Since     time.Time
	Until     time.Time
	Limit     int
}

// FingerprintEntry is one active fingerprint for duplicate comparison,
// ordered by stored timestamps so the canonical owner is deterministic
// across re-runs.
type FingerprintEntry struct {
	ID          string
	Fingerprint uint64
	CreatedAt   time.Time
}

// ProcessedResult is the outcome of preprocessing committed to a record in
// one atomic store update alongside the raw→processed transition.
type ProcessedResult struct {
	ProcessedPath string
	Width         int
	Height        int
	Format        string
	Flags         string
}

// RecordRepository is the metadata store contract. Transition validates the
// lifecycle graph and is atomic per record.
type RecordRepository interface {
	Upsert(ctx context.Context, rec *ImageRecord) error
	Get(ctx context.Context, id string) (*ImageRecord, error)
	Query(ctx context.Context, f Filter) ([]ImageRecord, error)
	Transition(ctx context.Context, id string, to Status, reason RejectReason) error

	// UpdateProcessed commits preprocessing output and the transition to
	// processed in a single transaction, clearing derived fields.
	UpdateProcessed(ctx context.Context, id string, res ProcessedResult) error
	SetFingerprint(ctx context.Context, id string, fp uint64) error
	MarkDuplicate(ctx context.Context, id, canonicalID string) error
	SetCaption(ctx context.Context, id, caption string) error
	SetTypeLabel(ctx context.Context, id, label string) error

	// ActiveFingerprints returns fingerprints of records whose status is in
	// {processed, accepted, exported}, ordered by created_at then id.
	ActiveFingerprints(ctx context.Context) ([]FingerprintEntry, error)

	MarkExported(ctx context.Context, ids []string) error
	CountByStatus(ctx context.Context) (map[Status]int, error)
	CountByType(ctx context.Context) (map[string]int, error)
	PurgeRejected(ctx context.Context) (int, error)
}

// FileStore abstracts one storage area (raw originals, processed images, or
// final export artifacts). Save returns the absolute path the bytes landed
// at; that path is what gets recorded on the ImageRecord.
type FileStore interface {
	Save(ctx context.Context, key string, data []byte) (string, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) bool
	Path(key string) string
}
