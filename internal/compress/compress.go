// Package compress re-encodes image attachments before upload. Compression is
// best effort: any failure or timeout leaves the original content untouched.
package compress

import (
	"bytes"
	"context"
	"image/png"
	"log/slog"
	"strings"
	"time"

	"github.com/disintegration/imaging"

	"github.com/tflow/attachstore/pkg/errors"
)

const component = "compress"

// Outcome describes what happened to an attachment offered for compression.
type Outcome string

const (
	OutcomeSkipped          Outcome = "skipped"
	OutcomeCompressed       Outcome = "compressed"
	OutcomeTooLittleSavings Outcome = "too_little_savings"
	OutcomeFailed           Outcome = "failed"
	OutcomeTimedOut         Outcome = "timed_out"
)

// Encoder produces a re-encoded version of content. It should stop early when
// ctx is cancelled, but Process does not depend on it.
type Encoder func(ctx context.Context, content []byte, contentType string) ([]byte, error)

// Observer receives compression outcomes.
type Observer interface {
	RecordCompression(outcome string, originalSize, size int)
}

// Config defines compression behavior.
type Config struct {
	// Always compresses every supported image, requested or not.
	Always bool `yaml:"always"`

	// Timeout bounds a single re-encode.
	Timeout time.Duration `yaml:"timeout"`

	// MaxWidth and MaxHeight bound the output dimensions. Smaller images are
	// never enlarged.
	MaxWidth  int `yaml:"max_width"`
	MaxHeight int `yaml:"max_height"`

	// JPEGQuality is the output quality for JPEG images.
	JPEGQuality int `yaml:"jpeg_quality"`

	// MaxRatio is the largest output/input size ratio still worth keeping.
	MaxRatio float64 `yaml:"max_ratio"`
}

// DefaultConfig returns the default compression configuration.
func DefaultConfig() Config {
	return Config{
		Timeout:     15 * time.Second,
		MaxWidth:    1920,
		MaxHeight:   1080,
		JPEGQuality: 80,
		MaxRatio:    0.9,
	}
}

// Result is the content to upload.
type Result struct {
	Data         []byte
	Compressed   bool
	Outcome      Outcome
	OriginalSize int
}

// Compressor decides whether to compress and runs the encoder under a timeout.
type Compressor struct {
	config   Config
	encode   Encoder
	observer Observer
	logger   *slog.Logger
}

// New creates a compressor using the imaging encoder.
func New(config Config, observer Observer, logger *slog.Logger) *Compressor {
	defaults := DefaultConfig()
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.MaxWidth <= 0 {
		config.MaxWidth = defaults.MaxWidth
	}
	if config.MaxHeight <= 0 {
		config.MaxHeight = defaults.MaxHeight
	}
	if config.JPEGQuality <= 0 || config.JPEGQuality > 100 {
		config.JPEGQuality = defaults.JPEGQuality
	}
	if config.MaxRatio <= 0 || config.MaxRatio > 1 {
		config.MaxRatio = defaults.MaxRatio
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Compressor{
		config:   config,
		observer: observer,
		logger:   logger.With("component", component),
	}
	c.encode = c.imagingEncode
	return c
}

// WithEncoder replaces the encoder.
func (c *Compressor) WithEncoder(enc Encoder) *Compressor {
	c.encode = enc
	return c
}

// Supported reports whether contentType can be compressed.
func Supported(contentType string) bool {
	switch normalize(contentType) {
	case "image/jpeg", "image/jpg", "image/png":
		return true
	}
	return false
}

func normalize(contentType string) string {
	ct, _, _ := strings.Cut(contentType, ";")
	return strings.ToLower(strings.TrimSpace(ct))
}

// Process returns the content to upload. requested is the caller's hint;
// without it only Config.Always enables compression. The original content is
// returned whenever compression is skipped, fails, times out or saves too
// little.
func (c *Compressor) Process(ctx context.Context, content []byte, contentType string, requested bool) Result {
	res := Result{Data: content, Outcome: OutcomeSkipped, OriginalSize: len(content)}
	if len(content) == 0 || !Supported(contentType) || (!requested && !c.config.Always) {
		return res
	}

	start := time.Now()
	out, err := Race(ctx, c.config.Timeout, func(ctx context.Context) ([]byte, error) {
		return c.encode(ctx, content, contentType)
	})

	switch {
	case errors.HasCode(err, errors.ErrCodeOperationTimeout):
		res.Outcome = OutcomeTimedOut
		c.logger.Warn("Image compression timed out, uploading original",
			"content_type", contentType,
			"size", len(content),
			"timeout", c.config.Timeout)
	case err != nil:
		res.Outcome = OutcomeFailed
		c.logger.Warn("Image compression failed, uploading original",
			"content_type", contentType,
			"size", len(content),
			"error", err)
	case float64(len(out)) < float64(len(content))*c.config.MaxRatio:
		res.Data = out
		res.Compressed = true
		res.Outcome = OutcomeCompressed
		c.logger.Debug("Image compressed",
			"original_size", len(content),
			"size", len(out),
			"duration", time.Since(start))
	default:
		res.Outcome = OutcomeTooLittleSavings
	}

	if c.observer != nil {
		c.observer.RecordCompression(string(res.Outcome), len(content), len(res.Data))
	}
	return res
}

// imagingEncode fits the image within the configured bounds and re-encodes it
// in its original format.
func (c *Compressor) imagingEncode(ctx context.Context, content []byte, contentType string) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(content), imaging.AutoOrientation(true))
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	img = imaging.Fit(img, c.config.MaxWidth, c.config.MaxHeight, imaging.Lanczos)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if normalize(contentType) == "image/png" {
		err = imaging.Encode(&buf, img, imaging.PNG, imaging.PNGCompressionLevel(png.BestCompression))
	} else {
		err = imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(c.config.JPEGQuality))
	}
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
