// Package ftp implements remote.Session on top of github.com/jlaffaye/ftp.
package ftp

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/jlaffaye/ftp"

	"github.com/tflow/attachstore/internal/remote"
	"github.com/tflow/attachstore/pkg/errors"
	"github.com/tflow/attachstore/pkg/types"
)

const component = "ftp"

// Config holds connection settings for an FTP server.
type Config struct {
	Host               string        `yaml:"host"`
	Port               int           `yaml:"port"`
	User               string        `yaml:"user"`
	Password           string        `yaml:"password"`
	Secure             bool          `yaml:"secure"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`
	DisableEPSV        bool          `yaml:"disable_epsv"`
	Timeout            time.Duration `yaml:"timeout"`
}

// Addr returns host:port.
func (c Config) Addr() string {
	port := c.Port
	if port == 0 {
		port = 21
	}
	return net.JoinHostPort(c.Host, fmt.Sprintf("%d", port))
}

// Dialer opens authenticated FTP sessions.
type Dialer struct {
	cfg    Config
	logger *slog.Logger
}

// NewDialer creates a dialer for the given server.
func NewDialer(cfg Config, logger *slog.Logger) *Dialer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dialer{
		cfg:    cfg,
		logger: logger.With("component", component, "host", cfg.Host),
	}
}

// Dial connects and logs in. Network failures are transient, rejected
// credentials are fatal.
func (d *Dialer) Dial(ctx context.Context) (remote.Session, error) {
	opts := []ftp.DialOption{
		ftp.DialWithTimeout(d.cfg.Timeout),
		ftp.DialWithContext(ctx),
		ftp.DialWithDisabledEPSV(d.cfg.DisableEPSV),
	}
	if d.cfg.Secure {
		opts = append(opts, ftp.DialWithExplicitTLS(&tls.Config{
			ServerName:         d.cfg.Host,
			InsecureSkipVerify: d.cfg.InsecureSkipVerify, //nolint:gosec // opt-in for self-signed hosting panels
		}))
	}

	conn, err := ftp.Dial(d.cfg.Addr(), opts...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConnectionFailed, component, "dial")
	}

	if err := conn.Login(d.cfg.User, d.cfg.Password); err != nil {
		_ = conn.Quit()
		wrapped := errors.Wrap(err, errors.ErrCodeConnectionFailed, component, "login")
		if wrapped.Class == errors.ClassFatal {
			wrapped.Code = errors.ErrCodeAuthenticationFailed
		}
		return nil, wrapped
	}

	home, err := conn.CurrentDir()
	if err != nil {
		home = "/"
	}

	d.logger.Debug("FTP session opened", "home", home)
	return &session{conn: conn, home: home, logger: d.logger}, nil
}

type session struct {
	conn   *ftp.ServerConn
	home   string
	broken bool
	logger *slog.Logger
}

func (s *session) fail(err error, code errors.ErrorCode, op string) error {
	wrapped := errors.Wrap(err, code, component, op)
	if wrapped.Class == errors.ClassTransient {
		s.broken = true
	}
	return wrapped
}

func (s *session) Stat(ctx context.Context, path string) (*types.ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, s.fail(err, errors.ErrCodeStorageRead, "stat")
	}
	size, err := s.conn.FileSize(path)
	if err != nil {
		return nil, s.fail(err, errors.ErrCodeStorageRead, "stat")
	}
	return &types.ObjectInfo{Path: path, Size: size}, nil
}

func (s *session) DirExists(ctx context.Context, dir string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, s.fail(err, errors.ErrCodeStorageRead, "dir_exists")
	}
	if err := s.conn.ChangeDir(dir); err != nil {
		if errors.IsNotFound(err) {
			return false, nil
		}
		return false, s.fail(err, errors.ErrCodeStorageRead, "dir_exists")
	}
	// relative paths are resolved against the login directory
	if err := s.conn.ChangeDir(s.home); err != nil {
		return true, s.fail(err, errors.ErrCodeStorageRead, "dir_exists")
	}
	return true, nil
}

func (s *session) MakeDir(ctx context.Context, dir string) error {
	if err := ctx.Err(); err != nil {
		return s.fail(err, errors.ErrCodeStorageWrite, "mkdir")
	}
	if err := s.conn.MakeDir(dir); err != nil {
		return s.fail(err, errors.ErrCodeStorageWrite, "mkdir")
	}
	return nil
}

func (s *session) Upload(ctx context.Context, path string, r io.Reader) error {
	if err := s.conn.Stor(path, &contextReader{ctx: ctx, r: r}); err != nil {
		if ctx.Err() != nil {
			s.broken = true
			return s.fail(ctx.Err(), errors.ErrCodeStorageWrite, "upload")
		}
		return s.fail(err, errors.ErrCodeStorageWrite, "upload")
	}
	return nil
}

func (s *session) Download(ctx context.Context, path string, w io.Writer) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, s.fail(err, errors.ErrCodeStorageRead, "download")
	}

	resp, err := s.conn.Retr(path)
	if err != nil {
		return 0, s.fail(err, errors.ErrCodeStorageRead, "download")
	}

	stop := context.AfterFunc(ctx, func() {
		_ = resp.SetDeadline(time.Now())
	})
	n, copyErr := io.Copy(w, resp)
	aborted := !stop()

	if closeErr := resp.Close(); closeErr != nil && (copyErr != nil || aborted) {
		// the server may not have acknowledged the aborted transfer
		s.broken = true
	} else if closeErr != nil {
		copyErr = closeErr
	}

	switch {
	case aborted || ctx.Err() != nil:
		return n, s.fail(context.Cause(ctx), errors.ErrCodeStorageRead, "download")
	case copyErr != nil:
		return n, s.fail(copyErr, errors.ErrCodeStorageRead, "download")
	}
	return n, nil
}

func (s *session) Delete(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return s.fail(err, errors.ErrCodeStorageDelete, "delete")
	}
	if err := s.conn.Delete(path); err != nil {
		return s.fail(err, errors.ErrCodeStorageDelete, "delete")
	}
	return nil
}

func (s *session) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.conn.NoOp(); err != nil {
		return s.fail(err, errors.ErrCodeConnectionFailed, "ping")
	}
	return nil
}

func (s *session) Broken() bool {
	return s.broken
}

func (s *session) Close() error {
	return s.conn.Quit()
}

// contextReader stops feeding the data connection once ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
