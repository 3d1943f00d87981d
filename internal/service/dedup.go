package service

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"math"
	"math/bits"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/zeozeozeo/imagesim"

	"github.com/saperet/photoset/internal/domain"
)

// Fingerprint computes the 64-bit perceptual hash of an image. Visually
// similar images (recompression, minor crop, color shift) land within a
// small Hamming distance of each other.
func Fingerprint(img image.Image) uint64 {
	return imagesim.Hash(img)
}

// HammingDistance counts differing bits between two fingerprints.
func HammingDistance(a, b uint64) int {
	return bits.OnesCount64(a ^ b)
}

// IsDuplicate reports whether hash is within threshold of any existing
// fingerprint.
func IsDuplicate(hash uint64, existing []uint64, threshold int) bool {
	for _, e := range existing {
		if HammingDistance(hash, e) <= threshold {
			return true
		}
	}
	return false
}

// QualityPredicate is one pluggable accept/reject heuristic. Passes returns
// false to reject; the predicate's name is recorded with the rejection.
type QualityPredicate struct {
	Name   string
	Passes func(img image.Image) bool
}

// ContrastPredicate rejects images whose luminance spread is below min
// (normalized to [0,1]).
func ContrastPredicate(min float64) QualityPredicate {
	return QualityPredicate{
		Name: "min_contrast",
		Passes: func(img image.Image) bool {
			_, stddev := luminanceStats(img)
			return stddev >= min
		},
	}
}

// SharpnessPredicate rejects images whose mean luminance gradient is below
// min (normalized to [0,1]); a proxy for blur.
func SharpnessPredicate(min float64) QualityPredicate {
	return QualityPredicate{
		Name: "min_sharpness",
		Passes: func(img image.Image) bool {
			return gradientMean(img) >= min
		},
	}
}

// Decision is the engine's classification of one record.
type Decision struct {
	Status      domain.Status
	Reason      domain.RejectReason
	Predicate   string // quality predicate that fired, if any
	DuplicateOf string
	Distance    int
}

// DedupEngine classifies processed records: quality predicates first, then
// perceptual duplicate detection against the store's active fingerprints.
// It never mutates images, only annotates records.
type DedupEngine struct {
	// mu serializes the fingerprint read-then-write window so two
	// concurrently processed near-duplicates cannot both be accepted.
	mu         sync.Mutex
	records    domain.RecordRepository
	threshold  int
	predicates []QualityPredicate
	log        *slog.Logger
}

// NewDedupEngine creates an engine with the given Hamming threshold and
// predicate set.
func NewDedupEngine(records domain.RecordRepository, threshold int, predicates []QualityPredicate, log *slog.Logger) *DedupEngine {
	return &DedupEngine{records: records, threshold: threshold, predicates: predicates, log: log}
}

// Evaluate decides accept or reject for a processed record and commits the
// decision to the store. The duplicate tie-break is first-accepted wins:
// comparisons run against fingerprints ordered by stored timestamps, so the
// earliest active record is the canonical owner independent of processing
// order within a batch.
func (e *DedupEngine) Evaluate(ctx context.Context, rec *domain.ImageRecord, img image.Image) (Decision, error) {
	for _, p := range e.predicates {
		if p.Passes(img) {
			continue
		}
		if err := e.records.Transition(ctx, rec.ID, domain.StatusRejected, domain.RejectQualityFilter); err != nil {
			return Decision{}, fmt.Errorf("reject %s: %w", rec.ID, err)
		}
		e.log.Info("quality filter rejected image", "id", rec.ID, "predicate", p.Name)
		return Decision{Status: domain.StatusRejected, Reason: domain.RejectQualityFilter, Predicate: p.Name}, nil
	}

	fp := Fingerprint(img)

	e.mu.Lock()
	defer e.mu.Unlock()

	entries, err := e.records.ActiveFingerprints(ctx)
	if err != nil {
		return Decision{}, fmt.Errorf("load fingerprints: %w", err)
	}
	for _, entry := range entries {
		if entry.ID == rec.ID {
			continue
		}
		d := HammingDistance(fp, entry.Fingerprint)
		if d > e.threshold {
			continue
		}
		if err := e.records.MarkDuplicate(ctx, rec.ID, entry.ID); err != nil {
			return Decision{}, fmt.Errorf("mark duplicate %s: %w", rec.ID, err)
		}
		e.log.Info("duplicate rejected", "id", rec.ID, "canonical", entry.ID, "distance", d)
		return Decision{
			Status:      domain.StatusRejected,
			Reason:      domain.RejectDuplicate,
			DuplicateOf: entry.ID,
			Distance:    d,
		}, nil
	}

	if err := e.records.SetFingerprint(ctx, rec.ID, fp); err != nil {
		return Decision{}, fmt.Errorf("store fingerprint %s: %w", rec.ID, err)
	}
	if err := e.records.Transition(ctx, rec.ID, domain.StatusAccepted, ""); err != nil {
		return Decision{}, fmt.Errorf("accept %s: %w", rec.ID, err)
	}
	return Decision{Status: domain.StatusAccepted}, nil
}

// luminanceStats returns the mean and standard deviation of the image's
// luminance, normalized to [0,1].
func luminanceStats(img image.Image) (mean, stddev float64) {
	gray := imaging.Grayscale(img)
	w, h := gray.Bounds().Dx(), gray.Bounds().Dy()
	n := float64(w * h)
	if n == 0 {
		return 0, 0
	}

	var sum, sumSq float64
	for y := 0; y < h; y++ {
		row := gray.Pix[y*gray.Stride : y*gray.Stride+w*4]
		for x := 0; x < w; x++ {
			v := float64(row[x*4]) / 255.0
			sum += v
			sumSq += v * v
		}
	}
	mean = sum / n
	variance := sumSq/n - mean*mean
	if variance < 0 {
		variance = 0
	}
	return mean, math.Sqrt(variance)
}

// gradientMean returns the mean absolute horizontal and vertical luminance
// gradient, normalized to [0,1].
func gradientMean(img image.Image) float64 {
	gray := imaging.Grayscale(img)
	w, h := gray.Bounds().Dx(), gray.Bounds().Dy()
	if w < 2 || h < 2 {
		return 0
	}

	var sum float64
	var count int
	at := func(x, y int) float64 {
		return float64(gray.Pix[y*gray.Stride+x*4]) / 255.0
	}
	for y := 0; y < h-1; y++ {
		for x := 0; x < w-1; x++ {
			v := at(x, y)
			sum += math.Abs(at(x+1, y)-v) + math.Abs(at(x, y+1)-v)
			count += 2
		}
	}
	return sum / float64(count)
}
