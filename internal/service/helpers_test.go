package service_test

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"

	"github.com/saperet/photoset/internal/domain"
	"github.com/saperet/photoset/internal/repository/sqlite"
)

func newTestDB(t *testing.T) *sqlite.DB {
	t.Helper()
	db, err := sqlite.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	return db
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// gradientImage produces a smooth left-to-right luminance ramp.
func gradientImage(w, h int) *image.NRGBA {
	img := imaging.New(w, h, color.NRGBA{A: 255})
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := uint8(x * 255 / (w - 1))
			img.SetNRGBA(x, y, color.NRGBA{R: v, G: v, B: v, A: 255})
		}
	}
	return img
}

// checkerImage produces a high-contrast checkerboard with the given cell size.
func checkerImage(w, h, cell int) *image.NRGBA {
	img := imaging.New(w, h, color.NRGBA{A: 255})
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := uint8(0)
			if (x/cell+y/cell)%2 == 0 {
				v = 255
			}
			img.SetNRGBA(x, y, color.NRGBA{R: v, G: v, B: v, A: 255})
		}
	}
	return img
}

// flatImage produces a single solid color, zero contrast.
func flatImage(w, h int, v uint8) *image.NRGBA {
	return imaging.New(w, h, color.NRGBA{R: v, G: v, B: v, A: 255})
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func encodeJPEG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(95)); err != nil {
		t.Fatalf("encode jpeg: %v", err)
	}
	return buf.Bytes()
}

// seedProcessed inserts a record already at processed status.
func seedProcessed(t *testing.T, repo domain.RecordRepository, n int) *domain.ImageRecord {
	t.Helper()
	ctx := context.Background()
	rec := &domain.ImageRecord{
		ID:          fmt.Sprintf("img-%d", n),
		Source:      "unsplash",
		Query:       "testing",
		SourceURL:   fmt.Sprintf("https://images.example.com/%d.jpg", n),
		Attribution: "Test Photographer",
		RawPath:     fmt.Sprintf("/data/raw/%d.jpg", n),
		Status:      domain.StatusRaw,
	}
	if err := repo.Upsert(ctx, rec); err != nil {
		t.Fatalf("seed upsert: %v", err)
	}
	if err := repo.UpdateProcessed(ctx, rec.ID, domain.ProcessedResult{
		ProcessedPath: fmt.Sprintf("/data/processed/%d.jpg", n),
		Width:         64, Height: 64, Format: "JPEG",
	}); err != nil {
		t.Fatalf("seed mark processed: %v", err)
	}
	rec.Status = domain.StatusProcessed
	return rec
}
