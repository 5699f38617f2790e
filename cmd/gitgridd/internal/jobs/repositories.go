package jobs

import (
	"context"
	"time"

	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/registry"
)

// Repositories is the part of the registry the background jobs use.
type Repositories interface {
	List(ctx context.Context) ([]string, error)
	Lookup(name string) (*registry.Descriptor, error)
	Dir(name string) (string, error)
	LooseObjectBytes(ctx context.Context, name string) (int64, error)
	BeginCompaction(name string) (func(), error)
	RecordGC(name string, at time.Time) error
	Acquire(name string) (*registry.Handle, error)
	Invalidate(name string)
}

var _ Repositories = (*registry.Registry)(nil)
