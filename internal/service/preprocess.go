package service

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"image"
	"strings"

	"github.com/disintegration/imaging"
	"golang.org/x/crypto/blake2b"
	_ "golang.org/x/image/webp" // register WebP decoding for fetched originals

	"github.com/saperet/photoset/internal/domain"
)

// ProcessConfig controls preprocessing. Identical raw bytes and an
// identical config always yield byte-identical output.
type ProcessConfig struct {
	TargetWidth     int
	OutputFormat    string // "jpeg" or "png"
	JPEGQuality     int
	Enhance         bool
	RemoveWatermark bool
	MinWidth        int
	MinHeight       int
}

// ProcessMeta describes what preprocessing did to an image.
type ProcessMeta struct {
	Width            int
	Height           int
	Format           string
	Enhanced         bool
	WatermarkRemoved bool
	UpscaleSkipped   bool
	CacheKey         string // blake2b(raw) + blake2b(config)
}

// Flags returns the comma-joined processing flags for the record.
func (m ProcessMeta) Flags() string {
	var flags []string
	if m.Enhanced {
		flags = append(flags, domain.FlagEnhanced)
	}
	if m.WatermarkRemoved {
		flags = append(flags, domain.FlagWatermarkRemoved)
	}
	if m.UpscaleSkipped {
		flags = append(flags, domain.FlagUpscaleSkipped)
	}
	return strings.Join(flags, ",")
}

// Ext returns the output file extension for the processed image.
func (m ProcessMeta) Ext() string {
	if m.Format == "PNG" {
		return ".png"
	}
	return ".jpg"
}

// Low-contrast band detection for the watermark heuristic.
const (
	bandFraction    = 0.08 // share of image height inspected at the bottom edge
	bandMinPixels   = 8
	bandMaxContrast = 0.04 // luminance stddev below this marks a watermark band
)

// Preprocessor normalizes raw images into the canonical processed form.
type Preprocessor struct {
	cfg ProcessConfig
}

// NewPreprocessor creates a Preprocessor with the given config.
func NewPreprocessor(cfg ProcessConfig) *Preprocessor {
	return &Preprocessor{cfg: cfg}
}

// Process turns raw image bytes into the canonical processed image.
// Unreadable bytes return domain.ErrCorruptImage; images below the minimum
// dimensions return domain.ErrBelowMinSize and never reach later stages.
func (p *Preprocessor) Process(raw []byte) ([]byte, ProcessMeta, error) {
	meta := ProcessMeta{CacheKey: cacheKey(raw, p.cfg)}

	img, err := imaging.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, meta, fmt.Errorf("%w: %v", domain.ErrCorruptImage, err)
	}

	bounds := img.Bounds()
	if bounds.Dx() < p.cfg.MinWidth || bounds.Dy() < p.cfg.MinHeight {
		return nil, meta, fmt.Errorf("%dx%d below %dx%d: %w",
			bounds.Dx(), bounds.Dy(), p.cfg.MinWidth, p.cfg.MinHeight, domain.ErrBelowMinSize)
	}

	if p.cfg.Enhance {
		img = imaging.AdjustBrightness(img, 5)
		img = imaging.AdjustContrast(img, 5)
		meta.Enhanced = true
	}

	if p.cfg.RemoveWatermark {
		img, meta.WatermarkRemoved = removeWatermarkBand(img)
	}

	switch {
	case p.cfg.TargetWidth < bounds.Dx():
		img = imaging.Resize(img, p.cfg.TargetWidth, 0, imaging.Lanczos)
	case p.cfg.TargetWidth > bounds.Dx():
		// Upscaling beyond the original resolution is refused, not stretched.
		meta.UpscaleSkipped = true
	}

	var buf bytes.Buffer
	if p.cfg.OutputFormat == "png" {
		err = imaging.Encode(&buf, img, imaging.PNG)
		meta.Format = "PNG"
	} else {
		err = imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(p.cfg.JPEGQuality))
		meta.Format = "JPEG"
	}
	if err != nil {
		return nil, meta, fmt.Errorf("encode processed image: %w", err)
	}

	out := img.Bounds()
	meta.Width = out.Dx()
	meta.Height = out.Dy()
	return buf.Bytes(), meta, nil
}

// removeWatermarkBand is the best-effort watermark heuristic: a
// low-contrast band at the bottom edge (a credit strip or logo bar) is
// painted over by smearing the last clean row downward. It can only degrade
// to pass-through; it never fails.
func removeWatermarkBand(img image.Image) (image.Image, bool) {
	bounds := img.Bounds()
	bandH := int(float64(bounds.Dy()) * bandFraction)
	if bandH < bandMinPixels || bandH >= bounds.Dy() {
		return img, false
	}

	band := imaging.Crop(img, image.Rect(bounds.Min.X, bounds.Max.Y-bandH, bounds.Max.X, bounds.Max.Y))
	if _, stddev := luminanceStats(band); stddev > bandMaxContrast {
		return img, false
	}

	out := imaging.Clone(img)
	w := out.Bounds().Dx()
	h := out.Bounds().Dy()
	srcRow := h - bandH - 1
	for y := h - bandH; y < h; y++ {
		copy(out.Pix[y*out.Stride:y*out.Stride+w*4], out.Pix[srcRow*out.Stride:srcRow*out.Stride+w*4])
	}
	return out, true
}

// cacheKey derives the deterministic (raw hash, config hash) key that makes
// re-runs safe: same inputs, same key, same output file.
func cacheKey(raw []byte, cfg ProcessConfig) string {
	rawSum := blake2b.Sum256(raw)
	cfgSum := blake2b.Sum256([]byte(fmt.Sprintf("%d|%s|%d|%t|%t|%d|%d",
		cfg.TargetWidth, cfg.OutputFormat, cfg.JPEGQuality,
		cfg.Enhance, cfg.RemoveWatermark, cfg.MinWidth, cfg.MinHeight)))
	return hex.EncodeToString(rawSum[:8]) + "-" + hex.EncodeToString(cfgSum[:8])
}
