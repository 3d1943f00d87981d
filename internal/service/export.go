package service

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/parquet-go/parquet-go"

	"github.com/saperet/photoset/internal/domain"
)

// ExportRequest selects what to export and in which formats.
type ExportRequest struct {
	Formats        []string // any of "csv", "json", "parquet"
	RequireCaption bool
}

// ExportRow is one dataset row. Every format in a run serializes the same
// row slice, so row counts and field values are identical across formats.
type ExportRow struct {
	ID          string `json:"id" parquet:"id"`
	ImagePath   string `json:"image_path" parquet:"image_path"`
	Caption     string `json:"caption" parquet:"caption"`
	TypeLabel   string `json:"type_label" parquet:"type_label"`
	SourceURL   string `json:"source_url" parquet:"source_url"`
	Attribution string `json:"attribution" parquet:"attribution"`
	Width       int32  `json:"width" parquet:"width"`
	Height      int32  `json:"height" parquet:"height"`
}

// SkippedRecord names a record excluded from an export and why. Export
// never silently drops a selected record.
type SkippedRecord struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// Manifest summarizes one export run.
type Manifest struct {
	RunID      string            `json:"run_id"`
	ExportedAt time.Time         `json:"exported_at"`
	Rows       int               `json:"rows"`
	Files      map[string]string `json:"files"` // format -> written path
	Skipped    []SkippedRecord   `json:"skipped,omitempty"`
}

// Exporter materializes accepted records into dataset files in the final
// storage area.
type Exporter struct {
	records domain.RecordRepository
	final   domain.FileStore
	log     *slog.Logger
}

// NewExporter creates an Exporter writing into the final area.
func NewExporter(records domain.RecordRepository, final domain.FileStore, log *slog.Logger) *Exporter {
	return &Exporter{records: records, final: final, log: log}
}

// Export snapshots the accepted (and already exported) record set up front,
// writes every requested format from that one snapshot, transitions the
// included records to exported, and returns the manifest. Running it twice
// is safe and produces the same output.
func (e *Exporter) Export(ctx context.Context, req ExportRequest) (*Manifest, error) {
	if len(req.Formats) == 0 {
		return nil, fmt.Errorf("%w: no export formats requested", domain.ErrInvalidInput)
	}

	// Snapshot before writing anything: records committed after this query
	// belong to the next run.
	recs, err := e.records.Query(ctx, domain.Filter{
		Statuses: []domain.Status{domain.StatusAccepted, domain.StatusExported},
	})
	if err != nil {
		return nil, fmt.Errorf("snapshot records: %w", err)
	}

	manifest := &Manifest{
		RunID:      uuid.NewString(),
		ExportedAt: time.Now().UTC(),
		Files:      make(map[string]string),
	}

	var rows []ExportRow
	var included []string
	for _, rec := range recs {
		switch {
		case rec.ProcessedPath == "":
			manifest.Skipped = append(manifest.Skipped, SkippedRecord{ID: rec.ID, Reason: "orphaned: no processed image"})
			continue
		case !fileExists(rec.ProcessedPath):
			manifest.Skipped = append(manifest.Skipped, SkippedRecord{ID: rec.ID, Reason: "orphaned: processed image missing on disk"})
			continue
		case req.RequireCaption && rec.Caption == "":
			manifest.Skipped = append(manifest.Skipped, SkippedRecord{ID: rec.ID, Reason: "missing caption"})
			continue
		}
		rows = append(rows, ExportRow{
			ID:          rec.ID,
			ImagePath:   rec.ProcessedPath,
			Caption:     rec.Caption,
			TypeLabel:   rec.TypeLabel,
			SourceURL:   rec.SourceURL,
			Attribution: rec.Attribution,
			Width:       int32(rec.Width),
			Height:      int32(rec.Height),
		})
		included = append(included, rec.ID)
	}
	manifest.Rows = len(rows)

	for _, format := range req.Formats {
		data, err := encodeRows(rows, format)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", format, err)
		}
		path, err := e.final.Save(ctx, "dataset."+formatExt(format), data)
		if err != nil {
			return nil, fmt.Errorf("write %s: %w", format, err)
		}
		manifest.Files[format] = path
	}

	if err := e.records.MarkExported(ctx, included); err != nil {
		return nil, fmt.Errorf("mark exported: %w", err)
	}

	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	if _, err := e.final.Save(ctx, "manifest.json", manifestJSON); err != nil {
		return nil, fmt.Errorf("write manifest: %w", err)
	}

	e.log.Info("export complete", "run", manifest.RunID,
		"rows", manifest.Rows, "formats", req.Formats, "skipped", len(manifest.Skipped))
	return manifest, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func formatExt(format string) string {
	if format == "json" {
		return "json"
	}
	if format == "parquet" {
		return "parquet"
	}
	return "csv"
}

func encodeRows(rows []ExportRow, format string) ([]byte, error) {
	switch format {
	case "csv":
		return encodeCSV(rows)
	case "json":
		return json.MarshalIndent(rows, "", "  ")
	case "parquet":
		return encodeParquet(rows)
	default:
		return nil, fmt.Errorf("%w: unsupported format %q", domain.ErrInvalidInput, format)
	}
}

func encodeCSV(rows []ExportRow) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write([]string{"id", "image_path", "caption", "type_label", "source_url", "attribution", "width", "height"}); err != nil {
		return nil, err
	}
	for _, r := range rows {
		record := []string{
			r.ID, r.ImagePath, r.Caption, r.TypeLabel, r.SourceURL, r.Attribution,
			strconv.Itoa(int(r.Width)), strconv.Itoa(int(r.Height)),
		}
		if err := w.Write(record); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

func encodeParquet(rows []ExportRow) ([]byte, error) {
	var buf bytes.Buffer
	w := parquet.NewGenericWriter[ExportRow](&buf)
	if len(rows) > 0 {
		if _, err := w.Write(rows); err != nil {
			return nil, err
		}
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
