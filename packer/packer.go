// Package packer implements the depth packer (C6): it groups each depth's
// SchedOpSeqs into Sched entries — sets of sequences launched concurrently
// — bounded by the device's total warp budget, isolating cross-rank
// communication from compute.
package packer

import (
	"sort"
	"time"

	"github.com/deepshard/gpusched/errs"
	"github.com/deepshard/gpusched/sequence"
)

// Mode selects the packing strategy.
type Mode int

const (
	// FirstFitDescending is the default: sort sequences by decreasing warp
	// count (tie-break by sequence id), greedily place each into the first
	// entry with room under the combined sm_count*warps_per_sm budget,
	// opening a new entry otherwise.
	FirstFitDescending Mode = iota
	// PartitionedHypergraph balances sequences across entries by profiled
	// cost weight, merging adjacent partitions to minimize entry count; it
	// falls back to FirstFitDescending if it cannot reach a feasible
	// packing before PackTimeout.
	PartitionedHypergraph
)

// Options configures one Pack call.
type Options struct {
	Mode        Mode
	SMCount     int
	WarpsPerSM  int
	PackTimeout time.Duration
}

// Capacity is the combined warp budget one Sched entry may not exceed
// (P6): sm_count * warps_per_sm.
func (o Options) Capacity() int { return o.SMCount * o.WarpsPerSM }

// DefaultOptions returns first-fit-descending packing with a single SM at
// the default warps-per-sequence budget and a 5-second pack timeout.
func DefaultOptions() Options {
	return Options{Mode: FirstFitDescending, SMCount: 1, WarpsPerSM: sequence.MaxWarpsPerSeqDefault, PackTimeout: 5 * time.Second}
}

// Entry is one Sched entry: sequences launched concurrently within a depth.
type Entry struct {
	SeqIDs []int
	Warps  int
}

// DepthPlan is the packer's output for a single depth layer: an ordered
// list of entries, executed one after another.
type DepthPlan struct {
	Depth   int
	Entries []Entry
}

// Pack assigns seqs (all belonging to depth) to Sched entries. Sequences
// built from a send/recv op are isolated into their own entry, ahead of
// any compute entries, never sharing an entry with compute work.
func Pack(depth int, seqs []*sequence.SchedOpSeq, weights map[string]float64, opts Options) (*DepthPlan, error) {
	if opts.SMCount <= 0 {
		opts.SMCount = 1
	}
	if opts.WarpsPerSM <= 0 {
		opts.WarpsPerSM = sequence.MaxWarpsPerSeqDefault
	}
	capacity := opts.Capacity()

	var commSeqs, computeSeqs []*sequence.SchedOpSeq
	for _, s := range seqs {
		if isCommSeq(s) {
			commSeqs = append(commSeqs, s)
		} else {
			computeSeqs = append(computeSeqs, s)
		}
	}
	sort.Slice(commSeqs, func(i, j int) bool { return commSeqs[i].ID < commSeqs[j].ID })

	var entries []Entry
	for _, s := range commSeqs {
		if s.Warps > capacity {
			return nil, errs.New(errs.PackerInfeasible, "communication sequence exceeds device warp budget", map[string]interface{}{
				"depth": depth, "seq_id": s.ID, "warps": s.Warps, "capacity": capacity,
			})
		}
		entries = append(entries, Entry{SeqIDs: []int{s.ID}, Warps: s.Warps})
	}

	var computeEntries []Entry
	var err error
	switch opts.Mode {
	case PartitionedHypergraph:
		computeEntries, err = packPartitioned(computeSeqs, weights, capacity, opts.PackTimeout)
		if err != nil {
			computeEntries, err = packFirstFitDescending(computeSeqs, capacity)
		}
	default:
		computeEntries, err = packFirstFitDescending(computeSeqs, capacity)
	}
	if err != nil {
		return nil, err
	}
	entries = append(entries, computeEntries...)

	return &DepthPlan{Depth: depth, Entries: entries}, nil
}

func isCommSeq(s *sequence.SchedOpSeq) bool {
	for _, op := range s.Ops {
		if op.Code.IsSendRecv() {
			return true
		}
	}
	return false
}

// packFirstFitDescending is the default packer: sort by decreasing warp
// count (ties broken by ascending sequence id) and greedily place each
// sequence into the first entry with room under capacity, opening a new
// entry otherwise.
func packFirstFitDescending(seqs []*sequence.SchedOpSeq, capacity int) ([]Entry, error) {
	ordered := append([]*sequence.SchedOpSeq(nil), seqs...)
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].Warps != ordered[j].Warps {
			return ordered[i].Warps > ordered[j].Warps
		}
		return ordered[i].ID < ordered[j].ID
	})

	var entries []Entry
	for _, s := range ordered {
		if s.Warps > capacity {
			return nil, errs.New(errs.PackerInfeasible, "sequence exceeds device warp budget", map[string]interface{}{
				"seq_id": s.ID, "warps": s.Warps, "capacity": capacity,
			})
		}
		placed := false
		for i := range entries {
			if entries[i].Warps+s.Warps <= capacity {
				entries[i].Warps += s.Warps
				entries[i].SeqIDs = append(entries[i].SeqIDs, s.ID)
				placed = true
				break
			}
		}
		if !placed {
			entries = append(entries, Entry{SeqIDs: []int{s.ID}, Warps: s.Warps})
		}
	}
	return entries, nil
}

// packPartitioned balances seqs across entries by profiled cost weight:
// sort by decreasing weight, greedily assign each to the lowest-weight
// entry that still has warp headroom (opening a new one otherwise), then
// merge adjacent entries (by creation order) while the merge stays within
// capacity, to minimize the final entry count. Returns PackerInfeasible
// if any single sequence exceeds capacity or the merge loop runs past
// packTimeout, letting the caller fall back to FirstFitDescending.
func packPartitioned(seqs []*sequence.SchedOpSeq, weights map[string]float64, capacity int, packTimeout time.Duration) ([]Entry, error) {
	if len(seqs) == 0 {
		return nil, nil
	}
	deadline := time.Now().Add(packTimeout)

	ordered := append([]*sequence.SchedOpSeq(nil), seqs...)
	sort.Slice(ordered, func(i, j int) bool {
		wi, wj := weightOf(ordered[i], weights), weightOf(ordered[j], weights)
		if wi != wj {
			return wi > wj
		}
		return ordered[i].ID < ordered[j].ID
	})

	type partition struct {
		seqIDs []int
		warps  int
		weight float64
	}
	var parts []*partition
	for _, s := range ordered {
		if s.Warps > capacity {
			return nil, errs.New(errs.PackerInfeasible, "sequence exceeds device warp budget", map[string]interface{}{
				"seq_id": s.ID, "warps": s.Warps, "capacity": capacity,
			})
		}
		var target *partition
		for _, p := range parts {
			if p.warps+s.Warps > capacity {
				continue
			}
			if target == nil || p.weight < target.weight {
				target = p
			}
		}
		if target == nil {
			target = &partition{}
			parts = append(parts, target)
		}
		target.seqIDs = append(target.seqIDs, s.ID)
		target.warps += s.Warps
		target.weight += weightOf(s, weights)
	}

	for {
		if time.Now().After(deadline) {
			return nil, errs.New(errs.PackerInfeasible, "partitioned packer exceeded its time budget", nil)
		}
		merged := false
		for i := 0; i < len(parts)-1; i++ {
			if parts[i].warps+parts[i+1].warps > capacity {
				continue
			}
			parts[i].seqIDs = append(parts[i].seqIDs, parts[i+1].seqIDs...)
			parts[i].warps += parts[i+1].warps
			parts[i].weight += parts[i+1].weight
			parts = append(parts[:i+1], parts[i+2:]...)
			merged = true
			break
		}
		if !merged {
			break
		}
	}

	entries := make([]Entry, len(parts))
	for i, p := range parts {
		entries[i] = Entry{SeqIDs: p.seqIDs, Warps: p.warps}
	}
	return entries, nil
}

func weightOf(s *sequence.SchedOpSeq, weights map[string]float64) float64 {
	if w, ok := weights[s.Hash]; ok {
		return w
	}
	return float64(s.Warps)
}
