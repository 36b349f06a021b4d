// Package attachment implements the caller-facing attachment operations:
// storing uploads, fetching content as a live stream and deleting it. It ties
// the compression stage, the transfer pipeline, the cache overlay, the local
// fallback directory and the record store together.
package attachment

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/tflow/attachstore/internal/cache"
	"github.com/tflow/attachstore/internal/compress"
	"github.com/tflow/attachstore/internal/pathresolve"
	"github.com/tflow/attachstore/internal/records"
	"github.com/tflow/attachstore/internal/transfer"
	"github.com/tflow/attachstore/pkg/errors"
	"github.com/tflow/attachstore/pkg/health"
	"github.com/tflow/attachstore/pkg/types"
	"github.com/tflow/attachstore/pkg/utils"
)

const component = "attachment"

// Sources report where fetched content came from.
const (
	SourceMemory = "cache-memory"
	SourceDisk   = "cache-disk"
	SourceRemote = "remote"
	SourceLocal  = "local-fallback"
)

// DefaultAllowedTypes are the MIME types accepted for upload.
var DefaultAllowedTypes = []string{
	"image/jpeg",
	"image/png",
	"image/gif",
	"application/pdf",
	"application/msword",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"application/vnd.ms-excel",
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
}

// Config defines upload limits.
type Config struct {
	MaxFiles     int      `yaml:"max_files"`
	MaxFileSize  int64    `yaml:"max_file_size"`
	AllowedTypes []string `yaml:"allowed_types"`
}

// DefaultConfig returns the default limits.
func DefaultConfig() Config {
	return Config{
		MaxFiles:     5,
		MaxFileSize:  10 << 20,
		AllowedTypes: DefaultAllowedTypes,
	}
}

// WriteGate reports whether a component currently accepts writes.
type WriteGate interface {
	CanWrite(component string) bool
}

// Dependencies are the collaborators of a Service. Cache, Compressor, Local
// and Health are optional.
type Dependencies struct {
	Pipeline   *transfer.Pipeline
	Layout     pathresolve.Layout
	Records    records.Store
	Cache      *cache.Overlay
	Compressor *compress.Compressor
	Local      *LocalStore

	// Health sends uploads straight to Local while the remote store is
	// refusing writes.
	Health WriteGate
}

// Service stores, fetches and deletes attachments.
type Service struct {
	deps    Dependencies
	config  Config
	allowed map[string]bool
	logger  *slog.Logger

	background sync.WaitGroup
}

// NewService creates a service.
func NewService(deps Dependencies, config Config, logger *slog.Logger) *Service {
	defaults := DefaultConfig()
	if config.MaxFiles <= 0 {
		config.MaxFiles = defaults.MaxFiles
	}
	if config.MaxFileSize <= 0 {
		config.MaxFileSize = defaults.MaxFileSize
	}
	if config.AllowedTypes == nil {
		config.AllowedTypes = defaults.AllowedTypes
	}
	if logger == nil {
		logger = slog.Default()
	}

	allowed := make(map[string]bool, len(config.AllowedTypes))
	for _, t := range config.AllowedTypes {
		allowed[strings.ToLower(t)] = true
	}

	return &Service{
		deps:    deps,
		config:  config,
		allowed: allowed,
		logger:  logger.With("component", component),
	}
}

// Config returns the upload limits in effect.
func (s *Service) Config() Config {
	return s.config
}

// StoreRequest is one attachment to store.
type StoreRequest struct {
	// LogicalID identifies the attachment; generated when empty.
	LogicalID    string
	Content      []byte
	ContentType  string
	OriginalName string

	// Compress asks for image compression before upload.
	Compress bool
}

// StoreResult describes a stored attachment.
type StoreResult struct {
	ID         string
	RemotePath string
	Tier       types.Tier
	Compressed bool
	Record     *records.Record
}

// Allowed reports whether contentType may be uploaded.
func (s *Service) Allowed(contentType string) bool {
	if len(s.allowed) == 0 {
		return true
	}
	ct, _, _ := strings.Cut(contentType, ";")
	return s.allowed[strings.ToLower(strings.TrimSpace(ct))]
}

func (s *Service) validate(req *StoreRequest) error {
	if len(req.Content) == 0 {
		return errors.NewError(errors.ErrCodeValidationFailed, "empty file").
			WithComponent(component).
			WithDetail("name", req.OriginalName)
	}
	if int64(len(req.Content)) > s.config.MaxFileSize {
		return errors.NewError(errors.ErrCodeLimitExceeded, "file exceeds maximum size").
			WithComponent(component).
			WithDetail("name", req.OriginalName).
			WithDetail("max_size", s.config.MaxFileSize)
	}
	if req.ContentType == "" {
		req.ContentType = utils.ContentTypeByName(req.OriginalName)
	}
	if !s.Allowed(req.ContentType) {
		return errors.NewError(errors.ErrCodeValidationFailed, "file type not allowed").
			WithComponent(component).
			WithDetail("name", req.OriginalName).
			WithDetail("content_type", req.ContentType)
	}
	return nil
}

// Store compresses (when asked), uploads and records one attachment. When
// the remote store rejects the upload and local fallback is configured, the
// content is kept on local disk instead. Once the upload starts it runs to
// completion, and the record is written, even if ctx is cancelled.
func (s *Service) Store(ctx context.Context, req StoreRequest) (*StoreResult, error) {
	if err := s.validate(&req); err != nil {
		return nil, err
	}

	id := req.LogicalID
	if id == "" {
		id = uuid.NewString()
	}
	fileName := uuid.NewString() + utils.Extension(req.OriginalName)

	data := req.Content
	compressed := false
	if s.deps.Compressor != nil {
		res := s.deps.Compressor.Process(ctx, req.Content, req.ContentType, req.Compress)
		data, compressed = res.Data, res.Compressed
	}

	// content written from here on must end up with a record
	ctx = context.WithoutCancel(ctx)

	target := utils.JoinRemote(s.deps.Layout.CurrentDir, fileName)
	tier := types.TierRemote
	remotePath := target

	var err error
	if s.deps.Local != nil && s.deps.Health != nil && !s.deps.Health.CanWrite(health.ComponentRemote) {
		err = errors.NewError(errors.ErrCodeStorageWrite, "remote store is not accepting writes").
			WithComponent(component).
			WithOperation("store")
	} else {
		var up transfer.UploadResult
		up, err = s.deps.Pipeline.Upload(ctx, data, target)
		if err == nil {
			remotePath = up.FinalPath
		}
	}

	if err != nil {
		if s.deps.Local == nil {
			return nil, err
		}
		if localErr := s.deps.Local.Save(fileName, data); localErr != nil {
			s.logger.Error("Local fallback failed after remote upload failure",
				"name", fileName,
				"error", localErr,
				"remote_error", err)
			return nil, err
		}
		s.logger.Warn("Remote upload failed, stored attachment locally",
			"id", id,
			"name", fileName,
			"error", err)
		tier = types.TierLocalFallback
		remotePath = fileName
	}

	rec := &records.Record{
		ID:           id,
		FileName:     fileName,
		OriginalName: req.OriginalName,
		ContentType:  req.ContentType,
		Size:         int64(len(data)),
		Tier:         tier,
		Compressed:   compressed,
		RemotePath:   remotePath,
	}
	if s.deps.Records != nil {
		if err := s.deps.Records.Create(ctx, rec); err != nil {
			s.logger.Error("Failed to record stored attachment",
				"id", id,
				"remote_path", remotePath,
				"error", err)
			return nil, err
		}
	}

	s.populate(id, data, cache.Meta{ContentType: req.ContentType, DisplayName: req.OriginalName})

	return &StoreResult{
		ID:         id,
		RemotePath: remotePath,
		Tier:       tier,
		Compressed: compressed,
		Record:     rec,
	}, nil
}

// BatchItem is the outcome of one request of a batch. Exactly one of Result
// and Err is set.
type BatchItem struct {
	Index  int
	Name   string
	Result *StoreResult
	Err    error
}

// StoreBatch stores every request concurrently. Failures are reported per
// item; the batch itself only fails when it is empty or too large.
func (s *Service) StoreBatch(ctx context.Context, reqs []StoreRequest) ([]BatchItem, error) {
	if len(reqs) == 0 {
		return nil, errors.NewError(errors.ErrCodeValidationFailed, "no files to store").
			WithComponent(component)
	}
	if len(reqs) > s.config.MaxFiles {
		return nil, errors.NewError(errors.ErrCodeLimitExceeded, "too many files").
			WithComponent(component).
			WithDetail("max_files", s.config.MaxFiles).
			WithDetail("files", len(reqs))
	}

	items := make([]BatchItem, len(reqs))
	var g errgroup.Group
	g.SetLimit(s.config.MaxFiles)

	for i, req := range reqs {
		g.Go(func() error {
			res, err := s.Store(ctx, req)
			items[i] = BatchItem{Index: i, Name: req.OriginalName, Result: res, Err: err}
			if err != nil {
				s.logger.Warn("Failed to store attachment in batch",
					"index", i,
					"name", req.OriginalName,
					"error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	return items, nil
}

// Get returns the record of an attachment.
func (s *Service) Get(ctx context.Context, id string) (*records.Record, error) {
	if s.deps.Records == nil {
		return nil, records.NotFound(id)
	}
	return s.deps.Records.Get(ctx, id)
}

// FetchRequest locates an attachment. When RemotePath is empty the record of
// LogicalID supplies it.
type FetchRequest struct {
	LogicalID   string
	RemotePath  string
	Tier        types.Tier
	ContentType string
	DisplayName string

	// Revalidate bypasses the memory cache tier.
	Revalidate bool
}

// Object is fetched content. Body must be closed.
type Object struct {
	Body        io.ReadCloser
	ContentType string
	DisplayName string

	// Size is the content length, or -1 when it is not known up front.
	Size   int64
	Source string
}

func (s *Service) complete(ctx context.Context, req *FetchRequest) error {
	if req.RemotePath == "" {
		if req.LogicalID == "" || s.deps.Records == nil {
			return errors.NewError(errors.ErrCodeValidationFailed, "attachment id or path required").
				WithComponent(component)
		}
		rec, err := s.deps.Records.Get(ctx, req.LogicalID)
		if err != nil {
			return err
		}
		req.RemotePath = rec.RemotePath
		req.Tier = rec.Tier
		if req.ContentType == "" {
			req.ContentType = rec.ContentType
		}
		if req.DisplayName == "" {
			req.DisplayName = rec.OriginalName
		}
	}
	if req.DisplayName == "" {
		req.DisplayName = utils.RemoteBase(req.RemotePath)
	}
	if req.ContentType == "" {
		req.ContentType = utils.ContentTypeByName(req.DisplayName)
	}
	return nil
}

func cacheKey(req FetchRequest) string {
	if req.LogicalID != "" {
		return req.LogicalID
	}
	return "path:" + req.RemotePath
}

// Fetch returns the content of an attachment: from the cache when present,
// otherwise streamed live from where it is stored. A remote path that moved is
// healed in the record store. A remote stream read to the end populates the
// cache once closed.
func (s *Service) Fetch(ctx context.Context, req FetchRequest) (*Object, error) {
	if err := s.complete(ctx, &req); err != nil {
		return nil, err
	}
	key := cacheKey(req)

	if s.deps.Cache != nil {
		if e, tier, ok := s.deps.Cache.Get(key, req.Revalidate); ok {
			source := SourceMemory
			if tier == cache.TierDisk {
				source = SourceDisk
			}
			return &Object{
				Body:        io.NopCloser(bytes.NewReader(e.Data)),
				ContentType: req.ContentType,
				DisplayName: req.DisplayName,
				Size:        int64(len(e.Data)),
				Source:      source,
			}, nil
		}
	}

	if req.Tier == types.TierLocalFallback {
		if s.deps.Local == nil {
			return nil, errors.NewError(errors.ErrCodeObjectNotFound, "local fallback storage not configured").
				WithComponent(component).
				WithDetail("path", req.RemotePath)
		}
		f, size, err := s.deps.Local.Open(utils.RemoteBase(req.RemotePath))
		if err != nil {
			return nil, err
		}
		return &Object{
			Body:        f,
			ContentType: req.ContentType,
			DisplayName: req.DisplayName,
			Size:        size,
			Source:      SourceLocal,
		}, nil
	}

	res, err := s.deps.Pipeline.Resolve(ctx, req.RemotePath)
	if err != nil {
		return nil, err
	}
	if res.Healed && req.LogicalID != "" && s.deps.Records != nil {
		if err := s.deps.Records.UpdateLocation(ctx, req.LogicalID, res.Path, types.TierRemote); err != nil {
			s.logger.Warn("Failed to heal attachment path",
				"id", req.LogicalID,
				"recorded", req.RemotePath,
				"resolved", res.Path,
				"error", err)
		}
	}

	st, err := s.deps.Pipeline.Download(ctx, res.Path)
	if err != nil {
		return nil, err
	}

	meta := cache.Meta{ContentType: req.ContentType, DisplayName: req.DisplayName}
	return &Object{
		Body:        &streamBody{stream: st, onComplete: func(data []byte) { s.populate(key, data, meta) }},
		ContentType: req.ContentType,
		DisplayName: req.DisplayName,
		Size:        -1,
		Source:      SourceRemote,
	}, nil
}

// streamBody hands a fully transferred payload to onComplete when closed.
type streamBody struct {
	stream     *transfer.Stream
	onComplete func([]byte)
	once       sync.Once
}

func (b *streamBody) Read(p []byte) (int, error) {
	return b.stream.Read(p)
}

func (b *streamBody) Close() error {
	b.once.Do(func() {
		_ = b.stream.Close()
		if data, ok := b.stream.Payload(); ok {
			b.onComplete(data)
		}
	})
	return nil
}

// DeleteRequest identifies an attachment to delete.
type DeleteRequest struct {
	LogicalID  string
	RemotePath string
	Tier       types.Tier
}

// Delete removes an attachment's content, cache entries and record. Deleting
// something that is already gone succeeds.
func (s *Service) Delete(ctx context.Context, req DeleteRequest) error {
	if req.RemotePath == "" && req.LogicalID != "" && s.deps.Records != nil {
		rec, err := s.deps.Records.Get(ctx, req.LogicalID)
		switch {
		case err == nil:
			req.RemotePath = rec.RemotePath
			req.Tier = rec.Tier
		case errors.IsNotFound(err):
			s.invalidate(req)
			return nil
		default:
			return err
		}
	}

	s.invalidate(req)

	if req.RemotePath != "" {
		if req.Tier == types.TierLocalFallback {
			if s.deps.Local != nil {
				if err := s.deps.Local.Remove(utils.RemoteBase(req.RemotePath)); err != nil {
					return err
				}
			}
		} else {
			removed, err := s.deps.Pipeline.Delete(ctx, req.RemotePath)
			if err != nil {
				return err
			}
			if removed == "" {
				s.logger.Debug("Attachment already absent from remote store", "path", req.RemotePath)
			}
		}
	}

	if req.LogicalID != "" && s.deps.Records != nil {
		return s.deps.Records.Delete(ctx, req.LogicalID)
	}
	return nil
}

func (s *Service) invalidate(req DeleteRequest) {
	if s.deps.Cache == nil {
		return
	}
	if req.LogicalID != "" {
		s.deps.Cache.Invalidate(req.LogicalID)
	}
	if req.RemotePath != "" {
		s.deps.Cache.Invalidate("path:" + req.RemotePath)
	}
}

// populate writes the cache in the background.
func (s *Service) populate(key string, data []byte, meta cache.Meta) {
	if s.deps.Cache == nil {
		return
	}
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		_ = s.deps.Cache.Put(key, data, meta)
	}()
}

// Wait blocks until background cache writes have finished.
func (s *Service) Wait() {
	s.background.Wait()
}
