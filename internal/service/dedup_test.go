package service_test

import (
	"context"
	"testing"

	"github.com/saperet/photoset/internal/domain"
	"github.com/saperet/photoset/internal/service"
)

func TestHammingDistance(t *testing.T) {
	cases := []struct {
		a, b uint64
		want int
	}{
		{0, 0, 0},
		{0xFFFFFFFFFFFFFFFF, 0, 64},
		{0b1010, 0b0101, 4},
		{0b1111, 0b1110, 1},
	}
	for _, tc := range cases {
		if got := service.HammingDistance(tc.a, tc.b); got != tc.want {
			t.Fatalf("HammingDistance(%#x, %#x) = %d, want %d", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestIsDuplicate(t *testing.T) {
	existing := []uint64{0xABCD, 0x1234}
	if !service.IsDuplicate(0xABCD, existing, 0) {
		t.Fatal("identical hash not flagged")
	}
	if !service.IsDuplicate(0xABCC, existing, 2) {
		t.Fatal("near hash not flagged within threshold")
	}
	if service.IsDuplicate(0xFFFFFFFFFFFFFFFF, existing, 4) {
		t.Fatal("distant hash flagged")
	}
}

func TestFingerprintStable(t *testing.T) {
	img := gradientImage(64, 64)
	if service.Fingerprint(img) != service.Fingerprint(img) {
		t.Fatal("fingerprint not deterministic")
	}
}

func TestContrastPredicate(t *testing.T) {
	p := service.ContrastPredicate(0.1)
	if p.Name != "min_contrast" {
		t.Fatalf("Name = %q", p.Name)
	}
	if p.Passes(flatImage(64, 64, 128)) {
		t.Fatal("flat image passed contrast check")
	}
	if !p.Passes(checkerImage(64, 64, 8)) {
		t.Fatal("high-contrast image failed contrast check")
	}
}

func TestSharpnessPredicate(t *testing.T) {
	p := service.SharpnessPredicate(0.05)
	if p.Name != "min_sharpness" {
		t.Fatalf("Name = %q", p.Name)
	}
	if p.Passes(flatImage(64, 64, 128)) {
		t.Fatal("flat image passed sharpness check")
	}
	if !p.Passes(checkerImage(64, 64, 2)) {
		t.Fatal("fine checkerboard failed sharpness check")
	}
}

func TestEvaluateAcceptsDistinctImages(t *testing.T) {
	db := newTestDB(t)
	repo := db.Records()
	ctx := context.Background()
	engine := service.NewDedupEngine(repo, 0, nil, discardLogger())

	first := seedProcessed(t, repo, 1)
	dec, err := engine.Evaluate(ctx, first, gradientImage(64, 64))
	if err != nil {
		t.Fatalf("Evaluate first: %v", err)
	}
	if dec.Status != domain.StatusAccepted {
		t.Fatalf("first decision = %+v", dec)
	}

	second := seedProcessed(t, repo, 2)
	dec, err = engine.Evaluate(ctx, second, checkerImage(64, 64, 8))
	if err != nil {
		t.Fatalf("Evaluate second: %v", err)
	}
	if dec.Status != domain.StatusAccepted {
		t.Fatalf("structurally different image rejected: %+v", dec)
	}

	entries, err := repo.ActiveFingerprints(ctx)
	if err != nil {
		t.Fatalf("ActiveFingerprints: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 active fingerprints, got %d", len(entries))
	}
}

func TestEvaluateRejectsIdenticalImage(t *testing.T) {
	db := newTestDB(t)
	repo := db.Records()
	ctx := context.Background()
	engine := service.NewDedupEngine(repo, 10, nil, discardLogger())

	img := gradientImage(64, 64)

	first := seedProcessed(t, repo, 1)
	if _, err := engine.Evaluate(ctx, first, img); err != nil {
		t.Fatalf("Evaluate first: %v", err)
	}

	second := seedProcessed(t, repo, 2)
	dec, err := engine.Evaluate(ctx, second, img)
	if err != nil {
		t.Fatalf("Evaluate second: %v", err)
	}
	if dec.Status != domain.StatusRejected || dec.Reason != domain.RejectDuplicate {
		t.Fatalf("expected duplicate rejection, got %+v", dec)
	}
	if dec.DuplicateOf != first.ID {
		t.Fatalf("DuplicateOf = %q, want %q", dec.DuplicateOf, first.ID)
	}
	if dec.Distance != 0 {
		t.Fatalf("Distance = %d for identical image", dec.Distance)
	}

	got, err := repo.Get(ctx, second.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != domain.StatusRejected || got.DuplicateOf != first.ID {
		t.Fatalf("store not updated: %+v", got)
	}
}

func TestEvaluateRejectedFingerprintDoesNotBlock(t *testing.T) {
	db := newTestDB(t)
	repo := db.Records()
	ctx := context.Background()
	engine := service.NewDedupEngine(repo, 10, nil, discardLogger())

	img := gradientImage(64, 64)

	first := seedProcessed(t, repo, 1)
	if _, err := engine.Evaluate(ctx, first, img); err != nil {
		t.Fatalf("Evaluate first: %v", err)
	}
	// Knock the canonical owner out; its fingerprint leaves the active set.
	if err := repo.Transition(ctx, first.ID, domain.StatusRejected, domain.RejectQualityFilter); err != nil {
		t.Fatalf("reject first: %v", err)
	}

	second := seedProcessed(t, repo, 2)
	dec, err := engine.Evaluate(ctx, second, img)
	if err != nil {
		t.Fatalf("Evaluate second: %v", err)
	}
	if dec.Status != domain.StatusAccepted {
		t.Fatalf("expected accept once owner rejected, got %+v", dec)
	}
}

func TestEvaluateQualityPredicateFires(t *testing.T) {
	db := newTestDB(t)
	repo := db.Records()
	ctx := context.Background()
	engine := service.NewDedupEngine(repo, 10,
		[]service.QualityPredicate{service.ContrastPredicate(0.1)}, discardLogger())

	rec := seedProcessed(t, repo, 1)
	dec, err := engine.Evaluate(ctx, rec, flatImage(64, 64, 128))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if dec.Status != domain.StatusRejected || dec.Reason != domain.RejectQualityFilter {
		t.Fatalf("expected quality rejection, got %+v", dec)
	}
	if dec.Predicate != "min_contrast" {
		t.Fatalf("Predicate = %q", dec.Predicate)
	}

	// Quality rejects never enter the fingerprint set.
	entries, err := repo.ActiveFingerprints(ctx)
	if err != nil {
		t.Fatalf("ActiveFingerprints: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no fingerprints, got %d", len(entries))
	}
}
