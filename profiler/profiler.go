// Package profiler implements the optional profiler hook (C8): it
// micro-benchmarks each distinct sequence across a range of warp counts,
// caches the results, and falls back to a heuristic cost model when a
// benchmark can't complete in time.
package profiler

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/deepshard/gpusched/core"
	"github.com/deepshard/gpusched/errs"
	"github.com/deepshard/gpusched/graph"
	"github.com/deepshard/gpusched/sequence"
)

// DefaultWarpCounts is the warp-count sweep the spec's packer tuning
// pass measures against.
var DefaultWarpCounts = []int{1, 2, 4, 8, 16, 32}

// BenchFn runs one micro-benchmark of seq under the given warp count and
// reports the measured cycle count. A real implementation dispatches an
// actual kernel launch and times it; tests and the CLI default supply a
// synthetic one.
type BenchFn func(ctx context.Context, seq *sequence.SchedOpSeq, warps int) (cycles float64, err error)

type cacheKey struct {
	hash  string
	warps int
}

type cache struct {
	mu      sync.Mutex
	entries map[cacheKey]float64
}

func newCache() *cache { return &cache{entries: make(map[cacheKey]float64)} }

func (c *cache) get(k cacheKey) (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entries[k]
	return v, ok
}

func (c *cache) set(k cacheKey, v float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[k] = v
}

// Profiler runs BenchFn across a bounded pool of goroutines and memoizes
// (hash, warps) -> cycles.
type Profiler struct {
	bench       BenchFn
	concurrency int
	timeout     time.Duration
	cache       *cache
}

// New builds a Profiler. concurrency bounds how many micro-benchmarks run
// at once (golang.org/x/sync/errgroup's SetLimit); timeout bounds each
// individual benchmark call before it's treated as a ProfilerTimeout and
// the heuristic cost takes its place.
func New(bench BenchFn, concurrency int, timeout time.Duration) *Profiler {
	if concurrency <= 0 {
		concurrency = 1
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Profiler{bench: bench, concurrency: concurrency, timeout: timeout, cache: newCache()}
}

// Cost is a per-sequence-hash, per-warp-count measurement, with Timeout
// set when the measurement fell back to the heuristic model.
type Cost struct {
	Hash    string
	Warps   int
	Cycles  float64
	Timeout bool
}

// Profile measures every distinct sequence hash present in seqs across
// warpCounts (DefaultWarpCounts if nil), tensors supplying shapes for the
// heuristic fallback. A ProfilerTimeout on any single (hash, warps) point
// never fails the whole run — each is non-fatal per errs.Kind.Fatal — so
// Profile only returns an error if bench itself returns something other
// than a deadline-exceeded failure.
func (p *Profiler) Profile(ctx context.Context, seqs []*sequence.SchedOpSeq, tensors map[core.TensorID]*core.Tensor, warpCounts []int) ([]Cost, error) {
	if len(warpCounts) == 0 {
		warpCounts = DefaultWarpCounts
	}

	var unique []*sequence.SchedOpSeq
	seen := make(map[string]bool)
	for _, s := range seqs {
		if !seen[s.Hash] {
			seen[s.Hash] = true
			unique = append(unique, s)
		}
	}

	var mu sync.Mutex
	var out []Cost
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)

	for _, s := range unique {
		s := s
		for _, w := range warpCounts {
			w := w
			g.Go(func() error {
				cost, err := p.measure(gctx, s, tensors, w)
				if err != nil {
					return err
				}
				mu.Lock()
				out = append(out, cost)
				mu.Unlock()
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *Profiler) measure(ctx context.Context, s *sequence.SchedOpSeq, tensors map[core.TensorID]*core.Tensor, warps int) (Cost, error) {
	key := cacheKey{hash: s.Hash, warps: warps}
	if cycles, ok := p.cache.get(key); ok {
		return Cost{Hash: s.Hash, Warps: warps, Cycles: cycles}, nil
	}

	bctx, cancel := context.WithTimeout(ctx, p.timeout)
	cycles, err := p.bench(bctx, s, warps)
	cancel()

	if err != nil {
		if bctx.Err() == context.DeadlineExceeded {
			cycles = HeuristicCost(s.Ops, tensors, warps)
			p.cache.set(key, cycles)
			return Cost{Hash: s.Hash, Warps: warps, Cycles: cycles, Timeout: true}, nil
		}
		return Cost{}, errs.Wrap(err, errs.ProfilerTimeout, "micro-benchmark failed", map[string]interface{}{
			"hash": s.Hash, "warps": warps,
		})
	}

	p.cache.set(key, cycles)
	return Cost{Hash: s.Hash, Warps: warps, Cycles: cycles}, nil
}

// baseCyclesFor is the fixed per-opcode base cost in the heuristic model
// (Open Question decision: fixed base scaled by element count).
func baseCyclesFor(c graph.OpCode) float64 {
	switch c {
	case graph.OpElementwise:
		return 4
	case graph.OpTranspose:
		return 8
	case graph.OpMatMul:
		return 32
	case graph.OpReduce:
		return 16
	case graph.OpSend, graph.OpRecv:
		return 2
	default:
		return 4
	}
}

// HeuristicCost estimates a sequence's cycle cost without running it: each
// op contributes its fixed base cost scaled by its output element count,
// divided by warps (more warps, more parallelism, fewer cycles), floored
// at 1 cycle.
func HeuristicCost(ops []*graph.Op, tensors map[core.TensorID]*core.Tensor, warps int) float64 {
	if warps < 1 {
		warps = 1
	}
	var total float64
	for _, op := range ops {
		elements := 1
		if len(op.Outputs) > 0 {
			if t, ok := tensors[op.Outputs[0]]; ok {
				elements = t.Shape.Elements()
			}
		}
		total += baseCyclesFor(op.Code) * float64(elements) / float64(warps)
	}
	if total < 1 {
		total = 1
	}
	return total
}
