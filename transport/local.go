package transport

import (
	"context"
	"sync"

	"github.com/deepshard/gpusched/errs"
)

// Local is a single-process IpcTransport: Publish/Lookup share an in-memory
// table keyed by sid, useful for single-rank CLI runs and tests where no
// real RDMA/shared-memory backend is wired in.
type Local struct {
	mu      sync.Mutex
	handles map[int]Handle
}

// NewLocal builds an empty Local transport.
func NewLocal() *Local { return &Local{handles: make(map[int]Handle)} }

func (l *Local) Publish(sid int, handle Handle) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handles[sid] = handle
	return nil
}

// Lookup returns immediately: Local never actually blocks, since
// publication and lookup happen in the same process with no network
// round-trip to wait on. ctx is still honored for cancellation before the
// lookup even starts.
func (l *Local) Lookup(ctx context.Context, rank int, sid int) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return Handle{}, errs.Wrap(err, errs.ImportUnresolved, "context done before lookup", map[string]interface{}{
			"rank": rank, "sid": sid,
		})
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	h, ok := l.handles[sid]
	if !ok {
		return Handle{}, errs.New(errs.ImportUnresolved, "sid never published", map[string]interface{}{
			"rank": rank, "sid": sid,
		})
	}
	return h, nil
}
