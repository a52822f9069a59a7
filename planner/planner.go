// Package planner implements the buffer planner (C4): it assigns physical
// GPU memory to logical tensor buffers, including cross-rank import/export,
// given the optimized op graph's depth assignment.
package planner

import (
	"context"
	"sort"
	"time"

	"github.com/deepshard/gpusched/core"
	"github.com/deepshard/gpusched/device"
	"github.com/deepshard/gpusched/errs"
	"github.com/deepshard/gpusched/graph"
	"github.com/deepshard/gpusched/transport"
)

// ArenaStrategy selects whether disjoint-lifetime buffers may share bytes.
type ArenaStrategy int

const (
	// ReuseDisjoint lets two buffers with disjoint liveness intervals share
	// an offset, provided neither is exported (the default).
	ReuseDisjoint ArenaStrategy = iota
	// NoReuse gives every local buffer its own offset; for debugging.
	NoReuse
)

// Options configures a single Plan call.
type Options struct {
	ArenaStrategy  ArenaStrategy
	ImportDeadline time.Duration // default 30s
	OwnGPUID       int
}

// DefaultOptions returns disjoint-reuse arena allocation with a 30-second
// cross-rank import deadline.
func DefaultOptions() Options {
	return Options{ArenaStrategy: ReuseDisjoint, ImportDeadline: 30 * time.Second}
}

// BufInfo is the planning record for one TensorBuf.
type BufInfo struct {
	GPUID  int
	Bytes  int
	TBuf   core.TensorBufID
	SID    int // -1 means local-only
	Offset int
}

// Plan is the buffer planner's output: a BufInfo per TensorBuf.
type Plan struct {
	Infos []BufInfo
	byBuf map[core.TensorBufID]*BufInfo
}

// Resolve looks up the BufInfo planned for a TensorBuf.
func (p *Plan) Resolve(id core.TensorBufID) (*BufInfo, bool) {
	bi, ok := p.byBuf[id]
	return bi, ok
}

type liveness struct {
	buf        *core.TensorBuf
	firstDepth int
	lastDepth  int
	exported   bool
	sid        int
	remoteRank int // -1 if local
}

// computeLiveness computes liveness per TensorBuf from the op graph and the tensors
// that reference each buffer: [first_depth, last_depth] is the min/max
// depth among ops touching it; a buffer exported by any of its tensors is
// live to the graph's max depth.
func computeLiveness(og *graph.OpGraph, tensors map[core.TensorID]*core.Tensor, bufs map[core.TensorBufID]*core.TensorBuf) map[core.TensorBufID]*liveness {
	live := make(map[core.TensorBufID]*liveness, len(bufs))
	for id, b := range bufs {
		live[id] = &liveness{buf: b, firstDepth: -1, lastDepth: -1, sid: -1, remoteRank: -1}
	}

	touch := func(tid core.TensorID, depth int) {
		tn, ok := tensors[tid]
		if !ok {
			return
		}
		l, ok := live[tn.Buf]
		if !ok {
			return
		}
		if l.firstDepth == -1 || depth < l.firstDepth {
			l.firstDepth = depth
		}
		if depth > l.lastDepth {
			l.lastDepth = depth
		}
		if tn.Exported {
			l.exported = true
			l.sid = tn.StreamID
		}
		if tn.ImportedRank >= 0 {
			l.remoteRank = tn.ImportedRank
			l.sid = tn.StreamID
		}
	}

	maxDepth := 0
	for _, op := range og.Ops {
		if op.Depth > maxDepth {
			maxDepth = op.Depth
		}
		for _, in := range op.Inputs {
			touch(in, op.Depth)
		}
		for _, out := range op.Outputs {
			touch(out, op.Depth)
		}
	}
	for _, l := range live {
		if l.exported {
			l.lastDepth = maxDepth
		}
		if l.firstDepth == -1 {
			l.firstDepth, l.lastDepth = 0, 0
		}
	}
	return live
}

type placement struct {
	buf        core.TensorBufID
	offset     int
	bytes      int
	lastDepth  int
	exported   bool
}

// Plan runs the full C4 algorithm: liveness, local/remote partitioning,
// single-arena allocation with optional disjoint-lifetime reuse,
// export/import resolution through dm and tr.
func Plan(ctx context.Context, og *graph.OpGraph, tensors map[core.TensorID]*core.Tensor,
	bufs map[core.TensorBufID]*core.TensorBuf, rank int, dm device.Manager, tr transport.IpcTransport, opts Options) (*Plan, error) {

	live := computeLiveness(og, tensors, bufs)

	var localIDs, remoteIDs []core.TensorBufID
	for id, l := range live {
		if l.remoteRank >= 0 {
			remoteIDs = append(remoteIDs, id)
		} else {
			localIDs = append(localIDs, id)
		}
	}

	sort.Slice(localIDs, func(i, j int) bool {
		bi, bj := live[localIDs[i]].buf, live[localIDs[j]].buf
		if bi.Bytes != bj.Bytes {
			return bi.Bytes > bj.Bytes
		}
		return localIDs[i] < localIDs[j]
	})
	sort.Slice(remoteIDs, func(i, j int) bool { return remoteIDs[i] < remoteIDs[j] })

	infos := make([]BufInfo, 0, len(bufs))
	byBuf := make(map[core.TensorBufID]*BufInfo, len(bufs))

	seenSID := make(map[int]core.TensorBufID)
	var placements []placement
	cursor := 0

	for _, id := range localIDs {
		l := live[id]
		bytesNeeded := l.buf.Bytes

		if l.exported {
			if prev, ok := seenSID[l.sid]; ok && prev != id {
				return nil, errs.New(errs.ExportConflict, "two local buffers export the same sid", map[string]interface{}{
					"sid": l.sid, "first_buf": int(prev), "second_buf": int(id),
				})
			}
			seenSID[l.sid] = id
		}

		offset := -1
		if opts.ArenaStrategy == ReuseDisjoint && !l.exported {
			for i := range placements {
				p := &placements[i]
				if p.exported || p.bytes < bytesNeeded {
					continue
				}
				if p.lastDepth < l.firstDepth {
					offset = p.offset
					p.lastDepth = l.lastDepth
					p.buf = id
					break
				}
			}
		}
		if offset == -1 {
			offset = cursor
			cursor += bytesNeeded
			placements = append(placements, placement{buf: id, offset: offset, bytes: bytesNeeded, lastDepth: l.lastDepth, exported: l.exported})
		}

		l.buf.Bind(uintptr(offset))

		bi := BufInfo{GPUID: opts.OwnGPUID, Bytes: bytesNeeded, TBuf: id, SID: -1, Offset: offset}
		if l.exported {
			bi.SID = l.sid
		}
		infos = append(infos, bi)
	}

	info, err := dm.DeviceInfo()
	if err == nil && info.BytesFree > 0 && uint64(cursor) > info.BytesFree {
		return nil, errs.New(errs.OutOfDeviceMemory, "arena exceeds device capacity", map[string]interface{}{
			"planned_bytes": cursor, "available_bytes": info.BytesFree,
		})
	}

	for i := range infos {
		bi := &infos[i]
		if bi.SID < 0 {
			continue
		}
		if _, err := dm.AllocateArena(uint64(bi.Bytes)); err != nil {
			return nil, errs.Wrap(err, errs.OutOfDeviceMemory, "arena allocation failed", map[string]interface{}{"tbuf": int(bi.TBuf)})
		}
		addr := device.Address(bi.Offset)
		if err := dm.RegisterExport(bi.SID, addr, uint64(bi.Bytes)); err != nil {
			return nil, errs.Wrap(err, errs.ExportConflict, "device export registration failed", map[string]interface{}{"sid": bi.SID})
		}
		if err := tr.Publish(bi.SID, transport.Handle{RemoteRank: rank, Addr: addr, Bytes: uint64(bi.Bytes)}); err != nil {
			return nil, errs.Wrap(err, errs.ExportConflict, "transport publish failed", map[string]interface{}{"sid": bi.SID})
		}
	}

	deadline := opts.ImportDeadline
	if deadline <= 0 {
		deadline = 30 * time.Second
	}
	for _, id := range remoteIDs {
		l := live[id]
		lctx, cancel := context.WithTimeout(ctx, deadline)
		handle, err := tr.Lookup(lctx, l.remoteRank, l.sid)
		cancel()
		if err != nil {
			return nil, errs.Wrap(err, errs.ImportUnresolved, "import did not resolve within deadline", map[string]interface{}{
				"remote_rank": l.remoteRank, "sid": l.sid,
			})
		}
		addr, err := dm.ResolveImport(l.remoteRank, l.sid)
		if err != nil {
			return nil, errs.Wrap(err, errs.ImportUnresolved, "device-side import resolution failed", map[string]interface{}{
				"remote_rank": l.remoteRank, "sid": l.sid,
			})
		}

		l.buf.Bind(uintptr(addr))
		infos = append(infos, BufInfo{GPUID: l.remoteRank, Bytes: int(handle.Bytes), TBuf: id, SID: l.sid, Offset: int(addr)})
	}

	// Built only now, after every append to infos: taking *BufInfo pointers
	// into infos before it stopped growing would alias a backing array that
	// later appends can relocate.
	for i := range infos {
		byBuf[infos[i].TBuf] = &infos[i]
	}

	return &Plan{Infos: infos, byBuf: byBuf}, nil
}
