package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/disintegration/imaging"

	"github.com/saperet/photoset/internal/domain"
)

// ModelClient calls a model-serving collaborator over HTTP for captions and
// zero-shot type labels. The pipeline never depends on a specific model's
// shape, only on this narrow describe/classify capability.
type ModelClient struct {
	endpoint string
	http     *http.Client
}

// NewModelClient builds a client for the inference service at endpoint.
func NewModelClient(endpoint string, timeout time.Duration) *ModelClient {
	return &ModelClient{endpoint: endpoint, http: &http.Client{Timeout: timeout}}
}

// Describe returns a caption for the image.
func (c *ModelClient) Describe(ctx context.Context, img image.Image) (string, error) {
	var out struct {
		Caption string `json:"caption"`
	}
	if err := c.post(ctx, "/caption", img, &out); err != nil {
		return "", err
	}
	return out.Caption, nil
}

// Classify returns the image's type label (photograph, illustration,
// vector).
func (c *ModelClient) Classify(ctx context.Context, img image.Image) (string, error) {
	var out struct {
		Label string `json:"label"`
	}
	if err := c.post(ctx, "/classify", img, &out); err != nil {
		return "", err
	}
	return out.Label, nil
}

func (c *ModelClient) post(ctx context.Context, path string, img image.Image, out any) error {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(90)); err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "image/jpeg")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrTransientNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("model service %s: status %d", path, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read model response: %w", err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode model response: %w", err)
	}
	return nil
}

// EnrichSummary reports one enrichment run.
type EnrichSummary struct {
	Captioned  int
	Classified int
	Failed     int
	Skipped    int
}

// Enricher populates caption and type label on accepted records using the
// external model collaborators. Failures and timeouts leave the field unset
// and never block the pipeline.
type Enricher struct {
	captioner  domain.Captioner
	classifier domain.Classifier
	records    domain.RecordRepository
	processed  domain.FileStore
	timeout    time.Duration
	log        *slog.Logger
}

// NewEnricher creates an Enricher. Either collaborator may be nil, in which
// case that enrichment is skipped.
func NewEnricher(captioner domain.Captioner, classifier domain.Classifier, records domain.RecordRepository, processed domain.FileStore, timeout time.Duration, log *slog.Logger) *Enricher {
	return &Enricher{
		captioner:  captioner,
		classifier: classifier,
		records:    records,
		processed:  processed,
		timeout:    timeout,
		log:        log,
	}
}

// EnrichPending enriches accepted records that are missing a caption or a
// type label. Per-record failures are logged and counted, never fatal.
func (e *Enricher) EnrichPending(ctx context.Context) (EnrichSummary, error) {
	var sum EnrichSummary

	recs, err := e.records.Query(ctx, domain.Filter{
		Statuses: []domain.Status{domain.StatusAccepted},
	})
	if err != nil {
		return sum, fmt.Errorf("query accepted records: %w", err)
	}

	for i := range recs {
		rec := &recs[i]
		if ctx.Err() != nil {
			return sum, ctx.Err()
		}
		if rec.Caption != "" && rec.TypeLabel != "" {
			sum.Skipped++
			continue
		}

		img, err := e.loadProcessed(ctx, rec)
		if err != nil {
			sum.Failed++
			e.log.Warn("enrichment skipped record", "id", rec.ID, "error", err)
			continue
		}

		if rec.Caption == "" && e.captioner != nil {
			if caption, err := e.describe(ctx, img); err != nil {
				sum.Failed++
				e.log.Warn("captioning failed", "id", rec.ID, "error", err)
			} else if err := e.records.SetCaption(ctx, rec.ID, caption); err != nil {
				return sum, fmt.Errorf("store caption %s: %w", rec.ID, err)
			} else {
				sum.Captioned++
			}
		}

		if rec.TypeLabel == "" && e.classifier != nil {
			if label, err := e.classify(ctx, img); err != nil {
				sum.Failed++
				e.log.Warn("classification failed", "id", rec.ID, "error", err)
			} else if err := e.records.SetTypeLabel(ctx, rec.ID, label); err != nil {
				return sum, fmt.Errorf("store type label %s: %w", rec.ID, err)
			} else {
				sum.Classified++
			}
		}
	}

	e.log.Info("enrichment complete", "captioned", sum.Captioned,
		"classified", sum.Classified, "failed", sum.Failed, "skipped", sum.Skipped)
	return sum, nil
}

func (e *Enricher) describe(ctx context.Context, img image.Image) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	return e.captioner.Describe(callCtx, img)
}

func (e *Enricher) classify(ctx context.Context, img image.Image) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	return e.classifier.Classify(callCtx, img)
}

func (e *Enricher) loadProcessed(ctx context.Context, rec *domain.ImageRecord) (image.Image, error) {
	if rec.ProcessedPath == "" {
		return nil, fmt.Errorf("%s: no processed image: %w", rec.ID, domain.ErrOrphanedRecord)
	}
	if !e.processed.Exists(ctx, rec.ProcessedPath) {
		return nil, fmt.Errorf("%s: %s: %w", rec.ID, rec.ProcessedPath, domain.ErrOrphanedRecord)
	}
	data, err := e.processed.Get(ctx, rec.ProcessedPath)
	if err != nil {
		return nil, err
	}
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrCorruptImage, err)
	}
	return img, nil
}
