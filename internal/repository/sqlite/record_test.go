package sqlite_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/saperet/photoset/internal/domain"
)

func makeTestRecord(n int) *domain.ImageRecord {
	return &domain.ImageRecord{
		ID:          fmt.Sprintf("img-%d", n),
		Source:      "unsplash",
		Query:       "mountains",
		SourceURL:   fmt.Sprintf("https://images.example.com/%d.jpg", n),
		Attribution: "Jane Photographer",
		RawPath:     fmt.Sprintf("/data/raw/img_%d.jpg", n),
		Status:      domain.StatusRaw,
	}
}

func TestRecordRepository_UpsertIdempotent(t *testing.T) {
	db := newTestDB(t)
	repo := db.Records()
	ctx := context.Background()

	rec := makeTestRecord(1)
	if err := repo.Upsert(ctx, rec); err != nil {
		t.Fatalf("first Upsert: %v", err)
	}
	if rec.CreatedAt.IsZero() {
		t.Fatal("expected CreatedAt to be set")
	}

	// Re-fetching the same source id updates metadata, never duplicates.
	again := makeTestRecord(1)
	again.Query = "alps"
	if err := repo.Upsert(ctx, again); err != nil {
		t.Fatalf("second Upsert: %v", err)
	}

	recs, err := repo.Query(ctx, domain.Filter{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected 1 record after double upsert, got %d", len(recs))
	}
	if recs[0].Query != "alps" {
		t.Fatalf("expected query updated to 'alps', got %q", recs[0].Query)
	}
}

func TestRecordRepository_UpsertMatchesBySourceURL(t *testing.T) {
	db := newTestDB(t)
	repo := db.Records()
	ctx := context.Background()

	rec := makeTestRecord(1)
	if err := repo.Upsert(ctx, rec); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	// Same URL under a different id resolves to the existing record.
	dup := makeTestRecord(1)
	dup.ID = "other-id"
	if err := repo.Upsert(ctx, dup); err != nil {
		t.Fatalf("Upsert by url: %v", err)
	}
	if dup.ID != rec.ID {
		t.Fatalf("expected id rewritten to %q, got %q", rec.ID, dup.ID)
	}

	recs, err := repo.Query(ctx, domain.Filter{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected 1 record, got %d", len(recs))
	}
}

func TestRecordRepository_UpsertKeepsImmutableFields(t *testing.T) {
	db := newTestDB(t)
	repo := db.Records()
	ctx := context.Background()

	rec := makeTestRecord(1)
	if err := repo.Upsert(ctx, rec); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	again := makeTestRecord(1)
	again.Attribution = "Someone Else"
	again.RawPath = "/data/raw/replacement.jpg"
	if err := repo.Upsert(ctx, again); err != nil {
		t.Fatalf("second Upsert: %v", err)
	}

	got, err := repo.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Attribution != "Jane Photographer" {
		t.Fatalf("attribution changed to %q", got.Attribution)
	}
	if got.RawPath != rec.RawPath {
		t.Fatalf("raw_path changed to %q", got.RawPath)
	}
}

func TestRecordRepository_Get_NotFound(t *testing.T) {
	db := newTestDB(t)

	_, err := db.Records().Get(context.Background(), "missing")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRecordRepository_TransitionLifecycle(t *testing.T) {
	db := newTestDB(t)
	repo := db.Records()
	ctx := context.Background()

	rec := makeTestRecord(1)
	if err := repo.Upsert(ctx, rec); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	steps := []domain.Status{domain.StatusProcessed, domain.StatusAccepted, domain.StatusExported}
	for _, s := range steps {
		if err := repo.Transition(ctx, rec.ID, s, ""); err != nil {
			t.Fatalf("Transition to %s: %v", s, err)
		}
	}

	got, err := repo.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != domain.StatusExported {
		t.Fatalf("expected exported, got %s", got.Status)
	}
}

func TestRecordRepository_TransitionInvalid(t *testing.T) {
	db := newTestDB(t)
	repo := db.Records()
	ctx := context.Background()

	rec := makeTestRecord(1)
	if err := repo.Upsert(ctx, rec); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	// raw cannot jump straight to accepted.
	err := repo.Transition(ctx, rec.ID, domain.StatusAccepted, "")
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	// The record is left unchanged.
	got, err := repo.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != domain.StatusRaw {
		t.Fatalf("expected status unchanged at raw, got %s", got.Status)
	}
}

func TestRecordRepository_ExportedNeverRegresses(t *testing.T) {
	db := newTestDB(t)
	repo := db.Records()
	ctx := context.Background()

	rec := makeTestRecord(1)
	if err := repo.Upsert(ctx, rec); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	for _, s := range []domain.Status{domain.StatusProcessed, domain.StatusAccepted, domain.StatusExported} {
		if err := repo.Transition(ctx, rec.ID, s, ""); err != nil {
			t.Fatalf("Transition to %s: %v", s, err)
		}
	}

	for _, s := range []domain.Status{domain.StatusRaw, domain.StatusProcessed, domain.StatusAccepted} {
		err := repo.Transition(ctx, rec.ID, s, "")
		if !errors.Is(err, domain.ErrInvalidTransition) {
			t.Fatalf("exported -> %s: expected ErrInvalidTransition, got %v", s, err)
		}
	}
	err := repo.Transition(ctx, rec.ID, domain.StatusRejected, domain.RejectDuplicate)
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("exported -> rejected: expected ErrInvalidTransition, got %v", err)
	}

	// Re-export stays legal (idempotent).
	if err := repo.Transition(ctx, rec.ID, domain.StatusExported, ""); err != nil {
		t.Fatalf("exported -> exported: %v", err)
	}
}

func TestRecordRepository_RejectRequiresReason(t *testing.T) {
	db := newTestDB(t)
	repo := db.Records()
	ctx := context.Background()

	rec := makeTestRecord(1)
	if err := repo.Upsert(ctx, rec); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	if err := repo.Transition(ctx, rec.ID, domain.StatusRejected, ""); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for missing reason, got %v", err)
	}

	if err := repo.Transition(ctx, rec.ID, domain.StatusRejected, domain.RejectCorrupt); err != nil {
		t.Fatalf("reject with reason: %v", err)
	}
	got, err := repo.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.RejectReason != domain.RejectCorrupt {
		t.Fatalf("expected reject_reason corrupt, got %q", got.RejectReason)
	}
}

func TestRecordRepository_UpdateProcessedClearsDerived(t *testing.T) {
	db := newTestDB(t)
	repo := db.Records()
	ctx := context.Background()

	rec := makeTestRecord(1)
	if err := repo.Upsert(ctx, rec); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := repo.UpdateProcessed(ctx, rec.ID, domain.ProcessedResult{
		ProcessedPath: "/data/processed/a.jpg", Width: 1024, Height: 768, Format: "JPEG",
	}); err != nil {
		t.Fatalf("UpdateProcessed: %v", err)
	}
	if err := repo.SetFingerprint(ctx, rec.ID, 0xDEADBEEF); err != nil {
		t.Fatalf("SetFingerprint: %v", err)
	}
	if err := repo.Transition(ctx, rec.ID, domain.StatusAccepted, ""); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := repo.SetCaption(ctx, rec.ID, "a mountain"); err != nil {
		t.Fatalf("SetCaption: %v", err)
	}

	// Re-preprocessing invalidates downstream derived fields.
	if err := repo.UpdateProcessed(ctx, rec.ID, domain.ProcessedResult{
		ProcessedPath: "/data/processed/b.png", Width: 512, Height: 384, Format: "PNG",
	}); err != nil {
		t.Fatalf("second UpdateProcessed: %v", err)
	}

	got, err := repo.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != domain.StatusProcessed {
		t.Fatalf("expected processed, got %s", got.Status)
	}
	if got.Fingerprint != nil {
		t.Fatal("expected fingerprint cleared")
	}
	if got.Caption != "" {
		t.Fatalf("expected caption cleared, got %q", got.Caption)
	}
	if got.ProcessedPath != "/data/processed/b.png" {
		t.Fatalf("expected new processed path, got %q", got.ProcessedPath)
	}
}

func TestRecordRepository_ActiveFingerprintsExcludeRejected(t *testing.T) {
	db := newTestDB(t)
	repo := db.Records()
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		rec := makeTestRecord(i)
		if err := repo.Upsert(ctx, rec); err != nil {
			t.Fatalf("Upsert %d: %v", i, err)
		}
		if err := repo.UpdateProcessed(ctx, rec.ID, domain.ProcessedResult{
			ProcessedPath: fmt.Sprintf("/data/processed/%d.jpg", i), Width: 100, Height: 100, Format: "JPEG",
		}); err != nil {
			t.Fatalf("UpdateProcessed %d: %v", i, err)
		}
		if err := repo.SetFingerprint(ctx, fmt.Sprintf("img-%d", i), uint64(i)); err != nil {
			t.Fatalf("SetFingerprint %d: %v", i, err)
		}
	}

	// Reject the second; its fingerprint must stop blocking dedup.
	if err := repo.Transition(ctx, "img-2", domain.StatusRejected, domain.RejectQualityFilter); err != nil {
		t.Fatalf("reject img-2: %v", err)
	}

	entries, err := repo.ActiveFingerprints(ctx)
	if err != nil {
		t.Fatalf("ActiveFingerprints: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 active fingerprints, got %d", len(entries))
	}
	for _, e := range entries {
		if e.ID == "img-2" {
			t.Fatal("rejected record still in active fingerprints")
		}
	}
	// Ordered by stored timestamps: img-1 is the canonical owner.
	if entries[0].ID != "img-1" {
		t.Fatalf("expected img-1 first, got %s", entries[0].ID)
	}
}

func TestRecordRepository_MarkDuplicate(t *testing.T) {
	db := newTestDB(t)
	repo := db.Records()
	ctx := context.Background()

	rec := makeTestRecord(1)
	if err := repo.Upsert(ctx, rec); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := repo.UpdateProcessed(ctx, rec.ID, domain.ProcessedResult{
		ProcessedPath: "/data/processed/a.jpg", Width: 100, Height: 100, Format: "JPEG",
	}); err != nil {
		t.Fatalf("UpdateProcessed: %v", err)
	}

	if err := repo.MarkDuplicate(ctx, rec.ID, "canonical-id"); err != nil {
		t.Fatalf("MarkDuplicate: %v", err)
	}

	got, err := repo.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != domain.StatusRejected || got.RejectReason != domain.RejectDuplicate {
		t.Fatalf("expected rejected/duplicate, got %s/%s", got.Status, got.RejectReason)
	}
	if got.DuplicateOf != "canonical-id" {
		t.Fatalf("expected duplicate_of canonical-id, got %q", got.DuplicateOf)
	}
}

func TestRecordRepository_QueryFilters(t *testing.T) {
	db := newTestDB(t)
	repo := db.Records()
	ctx := context.Background()

	for i := 1; i <= 4; i++ {
		rec := makeTestRecord(i)
		if i == 4 {
			rec.Query = "forest"
		}
		if err := repo.Upsert(ctx, rec); err != nil {
			t.Fatalf("Upsert %d: %v", i, err)
		}
	}
	if err := repo.UpdateProcessed(ctx, "img-1", domain.ProcessedResult{
		ProcessedPath: "/data/processed/1.jpg", Width: 100, Height: 100, Format: "JPEG",
	}); err != nil {
		t.Fatalf("UpdateProcessed: %v", err)
	}
	if err := repo.SetTypeLabel(ctx, "img-1", domain.LabelPhotograph); err != nil {
		t.Fatalf("SetTypeLabel: %v", err)
	}

	byStatus, err := repo.Query(ctx, domain.Filter{Statuses: []domain.Status{domain.StatusRaw}})
	if err != nil {
		t.Fatalf("Query by status: %v", err)
	}
	if len(byStatus) != 3 {
		t.Fatalf("expected 3 raw records, got %d", len(byStatus))
	}

	byLabel, err := repo.Query(ctx, domain.Filter{TypeLabel: domain.LabelPhotograph})
	if err != nil {
		t.Fatalf("Query by label: %v", err)
	}
	if len(byLabel) != 1 || byLabel[0].ID != "img-1" {
		t.Fatalf("expected only img-1 labelled, got %v", byLabel)
	}

	byQuery, err := repo.Query(ctx, domain.Filter{Query: "forest"})
	if err != nil {
		t.Fatalf("Query by term: %v", err)
	}
	if len(byQuery) != 1 || byQuery[0].ID != "img-4" {
		t.Fatalf("expected only img-4 for 'forest', got %v", byQuery)
	}

	byDate, err := repo.Query(ctx, domain.Filter{Until: time.Now().UTC().Add(-time.Hour)})
	if err != nil {
		t.Fatalf("Query by date: %v", err)
	}
	if len(byDate) != 0 {
		t.Fatalf("expected no records created an hour ago, got %d", len(byDate))
	}

	limited, err := repo.Query(ctx, domain.Filter{Limit: 2})
	if err != nil {
		t.Fatalf("Query with limit: %v", err)
	}
	if len(limited) != 2 {
		t.Fatalf("expected 2 records with limit, got %d", len(limited))
	}
}

func TestRecordRepository_MarkExportedIdempotent(t *testing.T) {
	db := newTestDB(t)
	repo := db.Records()
	ctx := context.Background()

	rec := makeTestRecord(1)
	if err := repo.Upsert(ctx, rec); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	for _, s := range []domain.Status{domain.StatusProcessed, domain.StatusAccepted} {
		if err := repo.Transition(ctx, rec.ID, s, ""); err != nil {
			t.Fatalf("Transition to %s: %v", s, err)
		}
	}

	if err := repo.MarkExported(ctx, []string{rec.ID}); err != nil {
		t.Fatalf("first MarkExported: %v", err)
	}
	if err := repo.MarkExported(ctx, []string{rec.ID}); err != nil {
		t.Fatalf("second MarkExported (idempotent): %v", err)
	}

	got, err := repo.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != domain.StatusExported {
		t.Fatalf("expected exported, got %s", got.Status)
	}
}

func TestRecordRepository_PurgeRejected(t *testing.T) {
	db := newTestDB(t)
	repo := db.Records()
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		if err := repo.Upsert(ctx, makeTestRecord(i)); err != nil {
			t.Fatalf("Upsert %d: %v", i, err)
		}
	}
	if err := repo.Transition(ctx, "img-1", domain.StatusRejected, domain.RejectCorrupt); err != nil {
		t.Fatalf("reject: %v", err)
	}

	n, err := repo.PurgeRejected(ctx)
	if err != nil {
		t.Fatalf("PurgeRejected: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 purged, got %d", n)
	}

	recs, err := repo.Query(ctx, domain.Filter{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 remaining, got %d", len(recs))
	}
}

func TestRecordRepository_Counts(t *testing.T) {
	db := newTestDB(t)
	repo := db.Records()
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		if err := repo.Upsert(ctx, makeTestRecord(i)); err != nil {
			t.Fatalf("Upsert %d: %v", i, err)
		}
	}
	if err := repo.Transition(ctx, "img-3", domain.StatusRejected, domain.RejectCorrupt); err != nil {
		t.Fatalf("reject: %v", err)
	}

	byStatus, err := repo.CountByStatus(ctx)
	if err != nil {
		t.Fatalf("CountByStatus: %v", err)
	}
	if byStatus[domain.StatusRaw] != 2 || byStatus[domain.StatusRejected] != 1 {
		t.Fatalf("unexpected counts: %v", byStatus)
	}

	byType, err := repo.CountByType(ctx)
	if err != nil {
		t.Fatalf("CountByType: %v", err)
	}
	if byType["unknown"] != 3 {
		t.Fatalf("expected 3 unknown, got %v", byType)
	}
}
