// Package remote defines the session contract every remote file store driver
// implements. A Session is a single authenticated connection; it is not safe
// for concurrent use and is owned by the session pool.
package remote

import (
	"context"
	"io"

	"github.com/tflow/attachstore/pkg/types"
)

// Session is one authenticated connection to the remote file store.
//
// Errors returned by a Session are classified with errors.Classify; drivers
// report a missing object with an error of class NotFound.
type Session interface {
	// Stat returns metadata for the object at path.
	Stat(ctx context.Context, path string) (*types.ObjectInfo, error)

	// DirExists reports whether dir exists as a directory.
	DirExists(ctx context.Context, dir string) (bool, error)

	// MakeDir creates a single directory level.
	MakeDir(ctx context.Context, dir string) error

	// Upload streams r into path, replacing any existing object.
	Upload(ctx context.Context, path string, r io.Reader) error

	// Download streams the object at path into w and returns the number of
	// bytes written. Cancelling ctx aborts the transfer.
	Download(ctx context.Context, path string, w io.Writer) (int64, error)

	// Delete removes the object at path.
	Delete(ctx context.Context, path string) error

	// Ping checks the connection is still usable.
	Ping(ctx context.Context) error

	// Broken reports whether the connection is known to be unusable, for
	// example after an aborted transfer left the control channel in an
	// unknown state.
	Broken() bool

	// Close terminates the connection.
	Close() error
}

// Dialer opens new authenticated sessions.
type Dialer interface {
	Dial(ctx context.Context) (Session, error)
}

// DialFunc adapts a function to the Dialer interface.
type DialFunc func(ctx context.Context) (Session, error)

// Dial calls f(ctx).
func (f DialFunc) Dial(ctx context.Context) (Session, error) {
	return f(ctx)
}
