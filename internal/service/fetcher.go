package service

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"

	"github.com/saperet/photoset/internal/domain"
)

// Photo is one search-result candidate from the remote photo API.
type Photo struct {
	ID           string
	Description  string
	DownloadURL  string
	PageURL      string
	Width        int
	Height       int
	Photographer string
}

// Provenance is the acquisition metadata attached to a download.
type Provenance struct {
	Source      string
	SourceURL   string
	Attribution string
}

// PhotoAPI is the remote image API contract consumed by the Fetcher.
type PhotoAPI interface {
	Search(ctx context.Context, query string, page, perPage int) ([]Photo, error)
	Download(ctx context.Context, p Photo) ([]byte, Provenance, error)
}

const defaultFreeze = 30 * time.Second

// APIClient talks to an Unsplash-shaped photo API. Every page request and
// every download consumes one budget token; transient failures retry with
// exponential backoff, and the provider's own rate-limit responses freeze
// the budget so the next call re-enters the wait path.
type APIClient struct {
	baseURL    string
	accessKey  string
	source     string
	http       *http.Client
	budget     *Budget
	maxRetries int
	log        *slog.Logger
}

// NewAPIClient builds a client for the photo API at baseURL.
func NewAPIClient(baseURL, accessKey string, timeout time.Duration, maxRetries int, budget *Budget, log *slog.Logger) *APIClient {
	return &APIClient{
		baseURL:    baseURL,
		accessKey:  accessKey,
		source:     "unsplash",
		http:       &http.Client{Timeout: timeout},
		budget:     budget,
		maxRetries: maxRetries,
		log:        log,
	}
}

// searchResponse mirrors the provider's search payload.
type searchResponse struct {
	Results []struct {
		ID             string `json:"id"`
		Description    string `json:"description"`
		AltDescription string `json:"alt_description"`
		Width          int    `json:"width"`
		Height         int    `json:"height"`
		URLs           struct {
			Raw     string `json:"raw"`
			Full    string `json:"full"`
			Regular string `json:"regular"`
		} `json:"urls"`
		Links struct {
			HTML string `json:"html"`
		} `json:"links"`
		User struct {
			Name string `json:"name"`
		} `json:"user"`
	} `json:"results"`
}

// Search returns one page of candidate descriptors for the query.
func (c *APIClient) Search(ctx context.Context, query string, page, perPage int) ([]Photo, error) {
	u := fmt.Sprintf("%s/search/photos?query=%s&page=%d&per_page=%d",
		c.baseURL, url.QueryEscape(query), page, perPage)

	body, err := c.get(ctx, u)
	if err != nil {
		return nil, fmt.Errorf("search %q page %d: %w", query, page, err)
	}

	var resp searchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	photos := make([]Photo, 0, len(resp.Results))
	for _, r := range resp.Results {
		desc := r.Description
		if desc == "" {
			desc = r.AltDescription
		}
		dl := r.URLs.Regular
		if dl == "" {
			dl = r.URLs.Full
		}
		if dl == "" {
			continue
		}
		photos = append(photos, Photo{
			ID:           r.ID,
			Description:  desc,
			DownloadURL:  dl,
			PageURL:      r.Links.HTML,
			Width:        r.Width,
			Height:       r.Height,
			Photographer: r.User.Name,
		})
	}
	return photos, nil
}

// Download fetches the byte-exact original and its provenance.
func (c *APIClient) Download(ctx context.Context, p Photo) ([]byte, Provenance, error) {
	body, err := c.get(ctx, p.DownloadURL)
	if err != nil {
		return nil, Provenance{}, fmt.Errorf("download %s: %w", p.ID, err)
	}
	prov := Provenance{
		Source:      c.source,
		SourceURL:   p.DownloadURL,
		Attribution: p.Photographer,
	}
	return body, prov, nil
}

// get performs one budgeted GET with retry semantics: 5xx and network
// errors back off exponentially up to the attempt ceiling, 403/429 freeze
// the shared budget and go back through Acquire, other 4xx fail permanently.
func (c *APIClient) get(ctx context.Context, rawURL string) ([]byte, error) {
	var body []byte

	op := func() error {
		if err := c.budget.Acquire(ctx); err != nil {
			return backoff.Permanent(err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		if c.accessKey != "" {
			req.Header.Set("Authorization", "Client-ID "+c.accessKey)
		}
		req.Header.Set("Accept-Version", "v1")

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("%w: %v", domain.ErrTransientNetwork, err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK:
			body, err = io.ReadAll(resp.Body)
			if err != nil {
				return fmt.Errorf("%w: read body: %v", domain.ErrTransientNetwork, err)
			}
			return nil
		case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusTooManyRequests:
			d := freezeDuration(resp)
			c.budget.Freeze(d)
			c.log.Warn("provider rate limit, freezing budget", "status", resp.StatusCode, "for", d)
			return fmt.Errorf("provider rate limited (%d)", resp.StatusCode)
		case resp.StatusCode >= 500:
			return fmt.Errorf("%w: status %d", domain.ErrTransientNetwork, resp.StatusCode)
		default:
			return backoff.Permanent(fmt.Errorf("unexpected status %d", resp.StatusCode))
		}
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(c.maxRetries)), ctx)
	if err := backoff.Retry(op, b); err != nil {
		return nil, err
	}
	return body, nil
}

// freezeDuration derives a budget freeze from the provider's rate-limit
// headers, falling back to a fixed pause.
func freezeDuration(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	if v := resp.Header.Get("X-Ratelimit-Reset"); v != "" {
		if unix, err := strconv.ParseInt(v, 10, 64); err == nil {
			if d := time.Until(time.Unix(unix, 0)); d > 0 {
				return d
			}
		}
	}
	return defaultFreeze
}

// FetchSummary reports one ingestion run.
type FetchSummary struct {
	Pages      int
	Found      int
	Downloaded int
	Failed     int
}

// Fetcher ingests search results: downloads originals into the raw area and
// upserts provenance records at status raw.
type Fetcher struct {
	api     PhotoAPI
	records domain.RecordRepository
	raw     domain.FileStore
	log     *slog.Logger
}

// NewFetcher creates a Fetcher.
func NewFetcher(api PhotoAPI, records domain.RecordRepository, raw domain.FileStore, log *slog.Logger) *Fetcher {
	return &Fetcher{api: api, records: records, raw: raw, log: log}
}

// Fetch acquires up to pages*perPage images for the query. Per-image
// failures are isolated and counted; a failed page ends the run early with
// the error.
func (f *Fetcher) Fetch(ctx context.Context, query string, pages, perPage int) (FetchSummary, error) {
	var sum FetchSummary

	for page := 1; page <= pages; page++ {
		photos, err := f.api.Search(ctx, query, page, perPage)
		if err != nil {
			return sum, fmt.Errorf("fetch page %d: %w", page, err)
		}
		sum.Pages++
		sum.Found += len(photos)
		if len(photos) == 0 {
			break
		}

		for _, p := range photos {
			if err := f.ingest(ctx, query, p); err != nil {
				if ctx.Err() != nil {
					return sum, ctx.Err()
				}
				sum.Failed++
				f.log.Error("ingest failed", "photo", p.ID, "error", err)
				continue
			}
			sum.Downloaded++
		}
	}

	f.log.Info("fetch complete", "query", query,
		"pages", sum.Pages, "downloaded", sum.Downloaded, "failed", sum.Failed)
	return sum, nil
}

func (f *Fetcher) ingest(ctx context.Context, query string, p Photo) error {
	data, prov, err := f.api.Download(ctx, p)
	if err != nil {
		return err
	}

	path, err := f.raw.Save(ctx, rawKey(prov.SourceURL, data), data)
	if err != nil {
		return fmt.Errorf("save raw image: %w", err)
	}

	id := p.ID
	if id == "" {
		id = uuid.NewString()
	}
	rec := &domain.ImageRecord{
		ID:          id,
		Source:      prov.Source,
		Query:       query,
		SourceURL:   prov.SourceURL,
		Attribution: prov.Attribution,
		RawPath:     path,
		Width:       p.Width,
		Height:      p.Height,
		Status:      domain.StatusRaw,
	}
	if err := f.records.Upsert(ctx, rec); err != nil {
		return fmt.Errorf("upsert record: %w", err)
	}
	return nil
}

// rawKey names a raw file after its source URL, with an extension sniffed
// from the bytes so the original stays byte-exact whatever the format.
func rawKey(sourceURL string, data []byte) string {
	digest := blake2b.Sum256([]byte(sourceURL))
	ext := ".img"
	switch http.DetectContentType(data) {
	case "image/jpeg":
		ext = ".jpg"
	case "image/png":
		ext = ".png"
	case "image/webp":
		ext = ".webp"
	case "image/gif":
		ext = ".gif"
	}
	return "img_" + hex.EncodeToString(digest[:8]) + ext
}
