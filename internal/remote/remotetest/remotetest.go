// Package remotetest provides an in-memory remote store for tests. Paths are
// matched exactly, the way a file host that does not normalize leading slashes
// behaves.
package remotetest

import (
	"context"
	"io"
	"net/textproto"
	"path"
	"strings"
	"sync"

	"github.com/tflow/attachstore/internal/remote"
	"github.com/tflow/attachstore/pkg/types"
)

// Operation names used for call counting and fault injection.
const (
	OpDial      = "dial"
	OpStat      = "stat"
	OpDirExists = "dir_exists"
	OpMakeDir   = "mkdir"
	OpUpload    = "upload"
	OpDownload  = "download"
	OpDelete    = "delete"
	OpPing      = "ping"
)

// ErrNotFound is the reply a file host sends for a missing file.
var ErrNotFound = &textproto.Error{Code: 550, Msg: "No such file or directory"}

// ErrDirExists is the reply sent when creating a directory that exists.
var ErrDirExists = &textproto.Error{Code: 550, Msg: "Create directory operation failed"}

type fault struct {
	err   error
	times int
}

// Store is an in-memory remote file host.
type Store struct {
	mu      sync.Mutex
	files   map[string][]byte
	dirs    map[string]bool
	calls   map[string]int
	faults  map[string][]*fault
	dialed  int
	open    int
	active  int
	maxSeen int

	// DownloadGate, when set, makes downloads write the first half of the
	// object and then wait until the gate is closed or ctx is done.
	DownloadGate chan struct{}

	// BreakOnCancel marks a session broken when a download is cancelled.
	BreakOnCancel bool

	// SkipStore makes uploads succeed without storing anything, so the
	// post-upload existence check fails.
	SkipStore map[string]bool
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		files:     make(map[string][]byte),
		dirs:      make(map[string]bool),
		calls:     make(map[string]int),
		faults:    make(map[string][]*fault),
		SkipStore: make(map[string]bool),
	}
}

// Put stores an object directly.
func (s *Store) Put(p string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[p] = append([]byte(nil), data...)
}

// Get returns the stored object.
func (s *Store) Get(p string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.files[p]
	return data, ok
}

// Has reports whether an object exists.
func (s *Store) Has(p string) bool {
	_, ok := s.Get(p)
	return ok
}

// AddDir creates a directory.
func (s *Store) AddDir(dir string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dirs[dir] = true
}

// HasDir reports whether a directory exists.
func (s *Store) HasDir(dir string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirs[dir]
}

// FailNext makes the next n calls of op fail with err.
func (s *Store) FailNext(op string, err error, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[op] = append(s.faults[op], &fault{err: err, times: n})
}

// Calls returns how many times op was invoked.
func (s *Store) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// Dialed returns how many sessions were opened in total.
func (s *Store) Dialed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dialed
}

// Open returns how many sessions are currently open.
func (s *Store) Open() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

// MaxConcurrent returns the highest number of operations that ran at once.
func (s *Store) MaxConcurrent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxSeen
}

// Dial opens a new session.
func (s *Store) Dial(ctx context.Context) (remote.Session, error) {
	err := s.enter(OpDial)
	defer s.leave()
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.dialed++
	s.open++
	s.mu.Unlock()
	return &session{store: s}, nil
}

var _ remote.Dialer = (*Store)(nil)

func (s *Store) enter(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[op]++
	s.active++
	if s.active > s.maxSeen {
		s.maxSeen = s.active
	}

	queue := s.faults[op]
	if len(queue) == 0 {
		return nil
	}
	f := queue[0]
	f.times--
	if f.times <= 0 {
		s.faults[op] = queue[1:]
	}
	return f.err
}

func (s *Store) leave() {
	s.mu.Lock()
	s.active--
	s.mu.Unlock()
}

func parentDir(p string) string {
	dir := path.Dir(p)
	if dir == "." || dir == "/" {
		return ""
	}
	return dir
}

type session struct {
	store  *Store
	broken bool
	closed bool
}

func (c *session) Stat(ctx context.Context, p string) (*types.ObjectInfo, error) {
	defer c.store.leave()
	if err := c.store.enter(OpStat); err != nil {
		return nil, err
	}
	data, ok := c.store.Get(p)
	if !ok {
		return nil, ErrNotFound
	}
	return &types.ObjectInfo{Path: p, Size: int64(len(data))}, nil
}

func (c *session) DirExists(ctx context.Context, dir string) (bool, error) {
	defer c.store.leave()
	if err := c.store.enter(OpDirExists); err != nil {
		return false, err
	}
	return dir == "" || dir == "/" || c.store.HasDir(dir), nil
}

func (c *session) MakeDir(ctx context.Context, dir string) error {
	defer c.store.leave()
	if err := c.store.enter(OpMakeDir); err != nil {
		return err
	}
	s := c.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dirs[dir] {
		return ErrDirExists
	}
	if parent := parentDir(dir); parent != "" && !s.dirs[parent] {
		return ErrNotFound
	}
	s.dirs[dir] = true
	return nil
}

func (c *session) Upload(ctx context.Context, p string, r io.Reader) error {
	defer c.store.leave()
	if err := c.store.enter(OpUpload); err != nil {
		return err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	s := c.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if parent := parentDir(p); parent != "" && !s.dirs[parent] {
		return &textproto.Error{Code: 553, Msg: "Could not create file"}
	}
	if s.SkipStore[p] {
		return nil
	}
	s.files[p] = data
	return nil
}

func (c *session) Download(ctx context.Context, p string, w io.Writer) (int64, error) {
	defer c.store.leave()
	if err := c.store.enter(OpDownload); err != nil {
		return 0, err
	}
	data, ok := c.store.Get(p)
	if !ok {
		return 0, ErrNotFound
	}

	gate := c.store.DownloadGate
	if gate == nil {
		n, err := w.Write(data)
		return int64(n), err
	}

	half := len(data) / 2
	n, err := w.Write(data[:half])
	if err != nil {
		return int64(n), err
	}
	select {
	case <-gate:
	case <-ctx.Done():
		if c.store.BreakOnCancel {
			c.broken = true
		}
		return int64(n), ctx.Err()
	}
	m, err := w.Write(data[half:])
	return int64(n + m), err
}

func (c *session) Delete(ctx context.Context, p string) error {
	defer c.store.leave()
	if err := c.store.enter(OpDelete); err != nil {
		return err
	}
	s := c.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.files[p]; !ok {
		return ErrNotFound
	}
	delete(s.files, p)
	return nil
}

func (c *session) Ping(ctx context.Context) error {
	defer c.store.leave()
	return c.store.enter(OpPing)
}

func (c *session) Broken() bool {
	return c.broken
}

func (c *session) Close() error {
	s := c.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if !c.closed {
		c.closed = true
		s.open--
	}
	return nil
}

// Paths lists stored object paths with the given prefix.
func (s *Store) Paths(prefix string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for p := range s.files {
		if strings.HasPrefix(p, prefix) {
			out = append(out, p)
		}
	}
	return out
}
