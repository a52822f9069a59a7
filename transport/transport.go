// Package transport declares the IpcTransport interface: the external
// cross-rank communication collaborator (RDMA or shared-memory IPC) the
// buffer planner uses to publish exported buffers and resolve imports.
package transport

import (
	"context"

	"github.com/deepshard/gpusched/device"
)

// Handle is an opaque, rank-visible reference to a published buffer.
type Handle struct {
	RemoteRank int
	Addr       device.Address
	Bytes      uint64
}

// IpcTransport is implemented by the cross-rank transport layer. The core
// treats every call as synchronous; Lookup takes a context so the caller
// (the buffer planner) can bound the wait with import_deadline_ms.
type IpcTransport interface {
	// Publish makes a local handle visible to other ranks under sid.
	Publish(sid int, handle Handle) error

	// Lookup blocks until the handle published by rank under sid becomes
	// visible, or ctx is done. Returns the error wrapped as
	// errs.ImportUnresolved on timeout; callers should not need to
	// distinguish ctx.Err() from a genuine absence.
	Lookup(ctx context.Context, rank int, sid int) (Handle, error)
}
