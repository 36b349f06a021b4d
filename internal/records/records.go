// Package records stores attachment records: the mapping from a logical
// attachment id to where its content lives.
package records

import (
	"context"
	"time"

	"github.com/tflow/attachstore/pkg/errors"
	"github.com/tflow/attachstore/pkg/types"
)

// Record describes one stored attachment.
type Record struct {
	ID           string     `json:"id"`
	FileName     string     `json:"file_name"`
	OriginalName string     `json:"original_name"`
	ContentType  string     `json:"content_type"`
	Size         int64      `json:"size"`
	Tier         types.Tier `json:"tier"`
	Compressed   bool       `json:"compressed"`
	RemotePath   string     `json:"remote_path"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Store persists attachment records.
type Store interface {
	// Get returns the record for id or an OBJECT_NOT_FOUND error.
	Get(ctx context.Context, id string) (*Record, error)

	// Create inserts a new record and fills its timestamps.
	Create(ctx context.Context, r *Record) error

	// UpdateLocation rewrites where the content of id lives.
	UpdateLocation(ctx context.Context, id, remotePath string, tier types.Tier) error

	// Delete removes the record. Deleting a missing record is not an error.
	Delete(ctx context.Context, id string) error
}

// NotFound returns the error reported for a missing record.
func NotFound(id string) error {
	return errors.NewError(errors.ErrCodeObjectNotFound, "attachment record not found").
		WithComponent("records").
		WithDetail("id", id)
}
