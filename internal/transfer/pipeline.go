// Package transfer moves attachment bytes to and from the remote store:
// uploads with directory preparation, verification and a root-directory
// fallback; streaming downloads that stop when the caller goes away; and
// idempotent deletes.
package transfer

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/tflow/attachstore/internal/pathresolve"
	"github.com/tflow/attachstore/internal/remote"
	"github.com/tflow/attachstore/internal/session"
	"github.com/tflow/attachstore/pkg/errors"
	"github.com/tflow/attachstore/pkg/utils"
)

const component = "transfer"

// DefaultTeeLimit bounds the copy of a download kept for the cache.
const DefaultTeeLimit = 10 << 20

// Config defines pipeline behavior.
type Config struct {
	// TeeLimit is the most bytes of a download kept for cache population.
	TeeLimit int64 `yaml:"tee_limit"`

	// DisableRootFallback turns off the second upload attempt at the store root.
	DisableRootFallback bool `yaml:"disable_root_fallback"`
}

// Observer receives transfer outcomes.
type Observer interface {
	RecordTransfer(op string, bytes int64, duration time.Duration, err error)
}

// Observers fans a transfer outcome out to several observers.
type Observers []Observer

// RecordTransfer implements Observer.
func (o Observers) RecordTransfer(op string, bytes int64, duration time.Duration, err error) {
	for _, obs := range o {
		obs.RecordTransfer(op, bytes, duration, err)
	}
}

// Pipeline performs uploads, downloads and deletes through the retry policy.
type Pipeline struct {
	policy   *session.Policy
	resolver *pathresolve.Resolver
	config   Config
	observer Observer
	logger   *slog.Logger
}

// New creates a pipeline.
func New(policy *session.Policy, resolver *pathresolve.Resolver, config Config, observer Observer, logger *slog.Logger) *Pipeline {
	if config.TeeLimit <= 0 {
		config.TeeLimit = DefaultTeeLimit
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		policy:   policy,
		resolver: resolver,
		config:   config,
		observer: observer,
		logger:   logger.With("component", component),
	}
}

// UploadResult describes where an upload ended up.
type UploadResult struct {
	// FinalPath is the remote path the content was verified at.
	FinalPath string

	// Bytes is the size of the uploaded content.
	Bytes int64

	// Fallback is true when the content was stored at the store root
	// instead of the requested path.
	Fallback bool
}

// Upload writes content to target and verifies it exists afterwards. When the
// intended location cannot be verified, or the transfer failed for a reason
// other than cancellation or a fatal error, the content is uploaded once more
// to the store root.
//
// Uploads are not interrupted by caller cancellation: once accepted, the
// content is written even if the client disconnects.
func (p *Pipeline) Upload(ctx context.Context, content []byte, target string) (UploadResult, error) {
	ctx = context.WithoutCancel(ctx)
	start := time.Now()

	err := p.uploadTo(ctx, content, target)
	if err == nil {
		p.record("upload", int64(len(content)), start, nil)
		return UploadResult{FinalPath: target, Bytes: int64(len(content))}, nil
	}

	root := utils.RemoteBase(target)
	if p.config.DisableRootFallback || !shouldFallback(err) || root == target {
		p.record("upload", 0, start, err)
		return UploadResult{}, err
	}

	p.logger.Warn("Upload to intended path failed, retrying at store root",
		"target", target,
		"fallback", root,
		"error", err)

	if fallbackErr := p.uploadTo(ctx, content, root); fallbackErr != nil {
		p.logger.Error("Fallback upload failed", "target", root, "error", fallbackErr, "primary_error", err)
		p.record("upload", 0, start, fallbackErr)
		return UploadResult{}, fallbackErr
	}

	p.record("upload", int64(len(content)), start, nil)
	return UploadResult{FinalPath: root, Bytes: int64(len(content)), Fallback: true}, nil
}

func shouldFallback(err error) bool {
	if errors.HasCode(err, errors.ErrCodeVerificationFailed) || errors.HasCode(err, errors.ErrCodeDirectoryFailed) {
		return true
	}
	return errors.Classify(err) == errors.ClassTransient
}

func (p *Pipeline) uploadTo(ctx context.Context, content []byte, target string) error {
	dir := path.Dir(target)
	return p.policy.Run(ctx, "upload", func(ctx context.Context, s remote.Session) error {
		if err := ensureDir(ctx, s, dir); err != nil {
			return err
		}

		if err := s.Upload(ctx, target, bytes.NewReader(content)); err != nil {
			return err
		}

		if _, err := s.Stat(ctx, target); err != nil {
			if errors.IsNotFound(err) {
				return errors.NewError(errors.ErrCodeVerificationFailed, "uploaded file not found at destination").
					WithComponent(component).
					WithOperation("upload").
					WithDetail("path", target).
					WithClass(errors.ClassNotFound)
			}
			return err
		}
		return nil
	})
}

// ensureDir creates every missing segment of dir. A failed creation is
// tolerated when the directory exists afterwards, since a concurrent upload
// may have created it first.
func ensureDir(ctx context.Context, s remote.Session, dir string) error {
	if dir == "." || dir == "/" || dir == "" {
		return nil
	}

	absolute := strings.HasPrefix(dir, "/")
	for _, seg := range utils.RemoteSegments(dir) {
		if absolute {
			seg = "/" + seg
		}

		ok, err := s.DirExists(ctx, seg)
		if err != nil {
			return err
		}
		if ok {
			continue
		}

		mkErr := s.MakeDir(ctx, seg)
		if mkErr == nil {
			continue
		}

		if ok, err := s.DirExists(ctx, seg); err == nil && ok {
			continue
		}

		switch errors.Classify(mkErr) {
		case errors.ClassTransient, errors.ClassCancelled:
			return mkErr
		}
		return errors.NewError(errors.ErrCodeDirectoryFailed, "cannot create destination directory").
			WithComponent(component).
			WithOperation("ensure_dir").
			WithDetail("dir", seg).
			WithCause(mkErr)
	}
	return nil
}

// Download opens a live stream of the object at remotePath. It returns once
// the first byte is available or the transfer has ended, so failures before
// any data flowed are returned directly.
//
// Closing the stream, or cancelling ctx, aborts the remote transfer.
func (p *Pipeline) Download(ctx context.Context, remotePath string) (*Stream, error) {
	ctx, cancel := context.WithCancel(ctx)
	pr, pw := io.Pipe()

	st := &Stream{
		path:    remotePath,
		reader:  pr,
		cancel:  cancel,
		done:    make(chan struct{}),
		started: make(chan struct{}),
		tee:     newBoundedBuffer(p.config.TeeLimit),
	}

	go p.produce(ctx, st, pw)

	select {
	case <-st.started:
		return st, nil
	case <-st.done:
		if st.err != nil {
			cancel()
			return nil, st.err
		}
		return st, nil
	}
}

func (p *Pipeline) produce(ctx context.Context, st *Stream, pw *io.PipeWriter) {
	start := time.Now()
	defer close(st.done)

	err := p.policy.Run(ctx, "download", func(ctx context.Context, s remote.Session) error {
		w := &countingWriter{w: io.MultiWriter(pw, st.tee), first: st.markStarted}
		_, err := s.Download(ctx, st.path, w)
		if err != nil && w.n > 0 && errors.Classify(err) == errors.ClassTransient {
			// bytes already reached the caller; a retry would duplicate them
			return errors.NewError(errors.ErrCodeStorageRead, "download interrupted mid-stream").
				WithComponent(component).
				WithOperation("download").
				WithDetail("bytes", w.n).
				WithCause(err).
				WithClass(errors.ClassFatal)
		}
		return err
	})

	switch {
	case err == nil:
	case errors.IsCancelled(err):
		p.logger.Debug("Download cancelled", "path", st.path, "bytes", st.tee.Total())
	default:
		p.logger.Warn("Download failed", "path", st.path, "error", err)
	}

	st.err = err
	p.record("download", st.tee.Total(), start, err)
	_ = pw.CloseWithError(err)
}

// Delete removes the object recorded at recorded, resolving stale paths
// first. A missing object counts as deleted. It returns the path that was
// removed, or an empty string when nothing existed.
func (p *Pipeline) Delete(ctx context.Context, recorded string) (string, error) {
	res, err := p.resolver.Resolve(ctx, recorded)
	if err != nil {
		if errors.IsNotFound(err) {
			p.logger.Debug("Delete of missing object treated as success", "path", recorded)
			return "", nil
		}
		return "", err
	}

	err = p.policy.Run(ctx, "delete", func(ctx context.Context, s remote.Session) error {
		return s.Delete(ctx, res.Path)
	})
	if err != nil && !errors.IsNotFound(err) {
		return "", err
	}
	return res.Path, nil
}

// Resolve exposes path resolution to callers that need to heal records.
func (p *Pipeline) Resolve(ctx context.Context, recorded string) (pathresolve.Resolution, error) {
	return p.resolver.Resolve(ctx, recorded)
}

func (p *Pipeline) record(op string, n int64, start time.Time, err error) {
	if p.observer != nil {
		p.observer.RecordTransfer(op, n, time.Since(start), err)
	}
}

// Stream is a live download. Read it like any io.Reader; Close it when done.
// A transfer that fails part way surfaces its error from Read.
type Stream struct {
	path    string
	reader  *io.PipeReader
	cancel  context.CancelFunc
	done    chan struct{}
	started chan struct{}
	once    sync.Once
	tee     *boundedBuffer
	err     error
}

func (s *Stream) markStarted() {
	s.once.Do(func() { close(s.started) })
}

// Path returns the remote path being streamed.
func (s *Stream) Path() string {
	return s.path
}

// Read reads from the live transfer.
func (s *Stream) Read(p []byte) (int, error) {
	return s.reader.Read(p)
}

// Close aborts the transfer if it is still running and waits until its
// session has been returned to the pool.
func (s *Stream) Close() error {
	s.cancel()
	_ = s.reader.CloseWithError(io.ErrClosedPipe)
	<-s.done
	return nil
}

// Err returns the transfer error once the transfer has ended.
func (s *Stream) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Payload returns the complete content when the transfer finished
// successfully and fit within the tee limit.
func (s *Stream) Payload() ([]byte, bool) {
	select {
	case <-s.done:
	default:
		return nil, false
	}
	if s.err != nil {
		return nil, false
	}
	return s.tee.Bytes()
}

type countingWriter struct {
	w     io.Writer
	n     int64
	first func()
}

func (c *countingWriter) Write(p []byte) (int, error) {
	if len(p) > 0 {
		c.first()
	}
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
