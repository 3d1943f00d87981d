package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/disintegration/imaging"

	"github.com/saperet/photoset/internal/domain"
)

// StageSummary reports one processing run over the pending raw records.
type StageSummary struct {
	Seen           int
	Accepted       int
	Duplicates     int
	QualityRejects int
	BelowMinSize   int
	Corrupt        int
	Orphaned       int
	Failed         int
}

// Pipeline drives raw records through preprocessing and dedup/QC. Images
// are independent, so preprocessing runs on a bounded worker pool; the
// dedup engine serializes its own read-then-write window internally.
type Pipeline struct {
	records   domain.RecordRepository
	processed domain.FileStore
	pre       *Preprocessor
	engine    *DedupEngine
	log       *slog.Logger
}

// NewPipeline creates a Pipeline.
func NewPipeline(records domain.RecordRepository, processed domain.FileStore, pre *Preprocessor, engine *DedupEngine, log *slog.Logger) *Pipeline {
	return &Pipeline{records: records, processed: processed, pre: pre, engine: engine, log: log}
}

// ProcessPending runs every raw record through preprocess and dedup/QC with
// the given worker count. A failure on one record rejects or skips that
// record only; it never aborts the batch.
func (p *Pipeline) ProcessPending(ctx context.Context, workers int) (StageSummary, error) {
	if workers < 1 {
		workers = 1
	}

	recs, err := p.records.Query(ctx, domain.Filter{
		Statuses: []domain.Status{domain.StatusRaw},
	})
	if err != nil {
		return StageSummary{}, fmt.Errorf("query raw records: %w", err)
	}

	var (
		mu  sync.Mutex
		sum StageSummary
		wg  sync.WaitGroup
	)
	sum.Seen = len(recs)

	jobs := make(chan domain.ImageRecord)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for rec := range jobs {
				outcome := p.processOne(ctx, &rec)
				mu.Lock()
				outcome(&sum)
				mu.Unlock()
			}
		}()
	}

	for _, rec := range recs {
		if ctx.Err() != nil {
			break
		}
		jobs <- rec
	}
	close(jobs)
	wg.Wait()

	if ctx.Err() != nil {
		return sum, ctx.Err()
	}

	p.log.Info("processing complete", "seen", sum.Seen, "accepted", sum.Accepted,
		"duplicates", sum.Duplicates, "quality_rejects", sum.QualityRejects,
		"below_min_size", sum.BelowMinSize, "corrupt", sum.Corrupt,
		"orphaned", sum.Orphaned, "failed", sum.Failed)
	return sum, nil
}

// processOne handles a single record and returns the summary update to
// apply under the aggregate lock.
func (p *Pipeline) processOne(ctx context.Context, rec *domain.ImageRecord) func(*StageSummary) {
	raw, err := os.ReadFile(rec.RawPath)
	if err != nil {
		// The raw file is gone: the record is orphaned. Surface it, do not
		// reject it; the metadata may still matter for provenance audits.
		p.log.Error("orphaned record", "id", rec.ID, "raw_path", rec.RawPath,
			"error", domain.ErrOrphanedRecord)
		return func(s *StageSummary) { s.Orphaned++ }
	}

	out, meta, err := p.pre.Process(raw)
	switch {
	case errors.Is(err, domain.ErrCorruptImage):
		if terr := p.records.Transition(ctx, rec.ID, domain.StatusRejected, domain.RejectCorrupt); terr != nil {
			p.log.Error("reject failed", "id", rec.ID, "error", terr)
			return func(s *StageSummary) { s.Failed++ }
		}
		return func(s *StageSummary) { s.Corrupt++ }
	case errors.Is(err, domain.ErrBelowMinSize):
		// Same rejection taxonomy as dedup/QC; the image never reaches
		// fingerprinting.
		if terr := p.records.Transition(ctx, rec.ID, domain.StatusRejected, domain.RejectBelowMinSize); terr != nil {
			p.log.Error("reject failed", "id", rec.ID, "error", terr)
			return func(s *StageSummary) { s.Failed++ }
		}
		return func(s *StageSummary) { s.BelowMinSize++ }
	case err != nil:
		p.log.Error("preprocess failed", "id", rec.ID, "error", err)
		return func(s *StageSummary) { s.Failed++ }
	}

	path, err := p.processed.Save(ctx, meta.CacheKey+meta.Ext(), out)
	if err != nil {
		p.log.Error("save processed image failed", "id", rec.ID, "error", err)
		return func(s *StageSummary) { s.Failed++ }
	}

	err = p.records.UpdateProcessed(ctx, rec.ID, domain.ProcessedResult{
		ProcessedPath: path,
		Width:         meta.Width,
		Height:        meta.Height,
		Format:        meta.Format,
		Flags:         meta.Flags(),
	})
	if err != nil {
		p.log.Error("commit processed failed", "id", rec.ID, "error", err)
		return func(s *StageSummary) { s.Failed++ }
	}

	img, err := imaging.Decode(bytes.NewReader(out))
	if err != nil {
		p.log.Error("decode processed image failed", "id", rec.ID, "error", err)
		return func(s *StageSummary) { s.Failed++ }
	}

	decision, err := p.engine.Evaluate(ctx, rec, img)
	if err != nil {
		p.log.Error("dedup evaluation failed", "id", rec.ID, "error", err)
		return func(s *StageSummary) { s.Failed++ }
	}

	switch {
	case decision.Status == domain.StatusAccepted:
		return func(s *StageSummary) { s.Accepted++ }
	case decision.Reason == domain.RejectDuplicate:
		return func(s *StageSummary) { s.Duplicates++ }
	default:
		return func(s *StageSummary) { s.QualityRejects++ }
	}
}
