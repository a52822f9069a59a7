package device

import (
	"sync"

	"github.com/deepshard/gpusched/errs"
)

// Local is a single-process Manager backed by one bump-allocated byte
// buffer, in the style of runtime/arena.go's region cursor: AllocateArena
// never frees, it only advances an offset, so callers size Capacity to
// whatever one Schedule call is expected to need.
type Local struct {
	mu         sync.Mutex
	capacity   uint64
	cursor     uint64
	smCount    int
	warpsPerSM int

	exports map[int]Address
}

// NewLocal builds a Local device manager reporting smCount SMs of
// warpsPerSM warps each, with capacity bytes of arena space to hand out.
func NewLocal(smCount, warpsPerSM int, capacity uint64) *Local {
	return &Local{capacity: capacity, smCount: smCount, warpsPerSM: warpsPerSM, exports: make(map[int]Address)}
}

func (l *Local) DeviceInfo() (Info, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Info{SMCount: l.smCount, WarpsPerSM: l.warpsPerSM, BytesFree: l.capacity - l.cursor}, nil
}

func (l *Local) AllocateArena(bytes uint64) (Address, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cursor+bytes > l.capacity {
		return 0, errs.New(errs.OutOfDeviceMemory, "local device arena exhausted", map[string]interface{}{
			"requested": bytes, "available": l.capacity - l.cursor,
		})
	}
	addr := Address(l.cursor)
	l.cursor += bytes
	return addr, nil
}

func (l *Local) RegisterExport(sid int, addr Address, bytes uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.exports[sid]; ok {
		return errs.New(errs.ExportConflict, "sid already registered on this device", map[string]interface{}{"sid": sid})
	}
	l.exports[sid] = addr
	return nil
}

// ResolveImport only serves sids registered on this same Local instance; a
// genuine multi-process deployment resolves imports through the IPC
// transport instead, which is where cross-rank address exchange belongs.
func (l *Local) ResolveImport(remoteRank int, sid int) (Address, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	addr, ok := l.exports[sid]
	if !ok {
		return 0, errs.New(errs.ImportUnresolved, "sid not registered locally", map[string]interface{}{
			"remote_rank": remoteRank, "sid": sid,
		})
	}
	return addr, nil
}
