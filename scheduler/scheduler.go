// Package scheduler is the orchestration entrypoint: it wires the op
// graph, buffer planner, sequence builder, depth packer, code generator,
// and optional profiler into a single Schedule call.
package scheduler

import (
	"context"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/pkg/errors"

	"github.com/deepshard/gpusched/catalog"
	"github.com/deepshard/gpusched/codegen"
	"github.com/deepshard/gpusched/core"
	"github.com/deepshard/gpusched/device"
	"github.com/deepshard/gpusched/errs"
	"github.com/deepshard/gpusched/graph"
	"github.com/deepshard/gpusched/packer"
	"github.com/deepshard/gpusched/planner"
	"github.com/deepshard/gpusched/profiler"
	"github.com/deepshard/gpusched/sequence"
	"github.com/deepshard/gpusched/transport"
)

// Model is the scheduler's input: the op graph's ops plus the tensors and
// buffers they reference. Observed marks tensors that C3's optimize pass
// must not elide or coalesce away (consumed outside the graph — a
// checkpoint, an export, a debug probe).
type Model struct {
	Ops      []*graph.Op
	Tensors  map[core.TensorID]*core.Tensor
	Bufs     map[core.TensorBufID]*core.TensorBuf
	Observed map[core.TensorID]bool
}

// Options configures one Schedule call; see DefaultOptions for its default
// values. Yaml tags let LoadOptions read these from a config file.
type Options struct {
	WPS                  int    `yaml:"wps"`
	PackerMode           string `yaml:"packer"`
	ImportDeadlineMs     int    `yaml:"import_deadline_ms"`
	ArenaStrategy        string `yaml:"arena_strategy"`
	ProfilerEnabled      bool   `yaml:"profiler_enabled"`
	ProfilerTimeoutMs    int    `yaml:"profiler_timeout_ms"`
	ProfilerConcurrency  int    `yaml:"profiler_concurrency"`
	Rank                 int    `yaml:"rank"`
}

// DefaultOptions returns wps=16, import_deadline_ms=30000,
// arena_strategy=reuse_disjoint, and first-fit packing.
func DefaultOptions() Options {
	return Options{
		WPS:                 sequence.MaxWarpsPerSeqDefault,
		PackerMode:          "first_fit",
		ImportDeadlineMs:    30000,
		ArenaStrategy:       "reuse_disjoint",
		ProfilerEnabled:     false,
		ProfilerTimeoutMs:   2000,
		ProfilerConcurrency: 4,
	}
}

// LoadOptions reads YAML config from path over top of DefaultOptions, so a
// config file only needs to override the fields it cares about.
func LoadOptions(path string) (Options, error) {
	opts := DefaultOptions()
	data, err := os.ReadFile(path)
	if err != nil {
		return opts, errors.Wrapf(err, "reading options file %s", path)
	}
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return opts, errors.Wrapf(err, "parsing options file %s", path)
	}
	return opts, nil
}

func arenaStrategyFrom(s string) planner.ArenaStrategy {
	if s == "no_reuse" {
		return planner.NoReuse
	}
	return planner.ReuseDisjoint
}

func packerModeFrom(s string) packer.Mode {
	if s == "partitioned" || s == "partitioned_hypergraph" {
		return packer.PartitionedHypergraph
	}
	return packer.FirstFitDescending
}

// PhysicalAddress is the resolved location KernelPlan.Resolve returns.
type PhysicalAddress = catalog.TensorAddress

// Sched is one sequence's placement within a Sched entry, plus the index
// into KernelPlan.KernelSources holding its kernel source.
type Sched struct {
	SeqID       int
	KernelIndex int
}

// KernelPlan is Schedule's output. Launches holds one slice per Sched
// entry, in depth-then-entry order: a single depth may contribute more
// than one entry, so the entry — not the depth — is the grouping unit of
// concurrent launches.
type KernelPlan struct {
	KernelSources []string
	Launches      [][]Sched
	BufInfos      []planner.BufInfo

	numDepths int
	resolve   func(core.TensorID) (PhysicalAddress, bool)
}

// Resolve looks up a tensor's planned physical address.
func (kp *KernelPlan) Resolve(id core.TensorID) (PhysicalAddress, bool) { return kp.resolve(id) }

// NumDepths returns how many depth layers the schedule spans.
func (kp *KernelPlan) NumDepths() int { return kp.numDepths }

// Schedule runs the full C1-C8 pipeline over m and returns the resulting
// KernelPlan. ctx bounds the buffer planner's cross-rank import waits and
// the profiler's micro-benchmarks, if enabled.
func Schedule(ctx context.Context, m *Model, dm device.Manager, tr transport.IpcTransport, kc catalog.KernelCatalog, opts Options) (*KernelPlan, error) {
	// runID only correlates this call's log lines; it never reaches
	// KernelPlan, so two schedules of the same Model stay byte-identical (P7).
	runID := uuid.NewString()
	log := logrus.WithField("run_id", runID)
	log.WithFields(logrus.Fields{"ops": len(m.Ops), "bufs": len(m.Bufs), "rank": opts.Rank}).Info("scheduling model")

	og, err := graph.Build(m.Ops)
	if err != nil {
		return nil, err
	}
	if len(m.Observed) > 0 {
		if err := og.OptimizeModel(m.Observed); err != nil {
			return nil, err
		}
	}

	info, err := dm.DeviceInfo()
	if err != nil {
		return nil, errs.Wrap(err, errs.OutOfDeviceMemory, "device info unavailable", nil)
	}

	plOpts := planner.DefaultOptions()
	plOpts.ArenaStrategy = arenaStrategyFrom(opts.ArenaStrategy)
	if opts.ImportDeadlineMs > 0 {
		plOpts.ImportDeadline = time.Duration(opts.ImportDeadlineMs) * time.Millisecond
	}
	plOpts.OwnGPUID = opts.Rank

	pl, err := planner.Plan(ctx, og, m.Tensors, m.Bufs, opts.Rank, dm, tr, plOpts)
	if err != nil {
		return nil, err
	}

	numDepths := og.NumDepths()
	seqOpts := sequence.BuildOptions{MaxWarpsPerSeq: opts.WPS}

	depthSeqs := make([][]*sequence.SchedOpSeq, numDepths)
	var allSeqs []*sequence.SchedOpSeq
	for d := 0; d < numDepths; d++ {
		depthOps := og.DepthOps(d)
		seqs, err := sequence.Build(d, depthOps, m.Tensors, kc, seqOpts)
		if err != nil {
			return nil, err
		}
		depthSeqs[d] = seqs
		allSeqs = append(allSeqs, seqs...)
		log.WithFields(logrus.Fields{"depth": d, "ops": len(depthOps), "sequences": len(seqs)}).Debug("built sequences")
	}

	weights := map[string]float64{}
	if opts.ProfilerEnabled {
		prof := profiler.New(heuristicBench(m.Tensors), opts.ProfilerConcurrency,
			time.Duration(opts.ProfilerTimeoutMs)*time.Millisecond)
		costs, err := prof.Profile(ctx, allSeqs, m.Tensors, nil)
		if err != nil {
			if ctx.Err() != nil || !errs.Is(err, errs.ProfilerTimeout) {
				return nil, err
			}
			log.WithError(err).Warn("profiler failed, packing without profiled weights")
		}
		sums := map[string]float64{}
		counts := map[string]int{}
		for _, c := range costs {
			if c.Timeout {
				log.WithFields(logrus.Fields{"hash": c.Hash, "warps": c.Warps}).Warn("profiler timed out, used heuristic cost")
			}
			sums[c.Hash] += c.Cycles
			counts[c.Hash]++
		}
		for h, s := range sums {
			weights[h] = s / float64(counts[h])
		}
	}

	packerOpts := packer.DefaultOptions()
	packerOpts.Mode = packerModeFrom(opts.PackerMode)
	packerOpts.SMCount = info.SMCount
	packerOpts.WarpsPerSM = info.WarpsPerSM
	if packerOpts.WarpsPerSM <= 0 {
		packerOpts.WarpsPerSM = opts.WPS
	}

	var depthInputs []codegen.DepthInput
	for d := 0; d < numDepths; d++ {
		packed, err := packer.Pack(d, depthSeqs[d], weights, packerOpts)
		if err != nil {
			return nil, err
		}
		depthInputs = append(depthInputs, codegen.DepthInput{Depth: d, Seqs: depthSeqs[d], Packed: packed})
	}

	cg, err := codegen.Generate(depthInputs, m.Tensors, pl, kc)
	if err != nil {
		return nil, err
	}

	hashes := make([]string, 0, len(cg.Sources))
	for h := range cg.Sources {
		hashes = append(hashes, h)
	}
	sort.Strings(hashes)
	indexOf := make(map[string]int, len(hashes))
	sources := make([]string, len(hashes))
	for i, h := range hashes {
		indexOf[h] = i
		sources[i] = cg.Sources[h].Source
	}

	type entryKey struct{ depth, entry int }
	entryIndex := map[entryKey]int{}
	var launches [][]Sched
	for _, l := range cg.Launches {
		key := entryKey{l.Depth, l.EntryIndex}
		idx, ok := entryIndex[key]
		if !ok {
			idx = len(launches)
			entryIndex[key] = idx
			launches = append(launches, nil)
		}
		launches[idx] = append(launches[idx], Sched{SeqID: l.SeqID, KernelIndex: indexOf[l.KernelHash]})
	}
	for i := range launches {
		sort.Slice(launches[i], func(a, b int) bool { return launches[i][a].SeqID < launches[i][b].SeqID })
	}

	tensors := m.Tensors
	resolve := func(tid core.TensorID) (PhysicalAddress, bool) {
		tn, ok := tensors[tid]
		if !ok {
			return PhysicalAddress{}, false
		}
		bi, ok := pl.Resolve(tn.Buf)
		if !ok {
			return PhysicalAddress{}, false
		}
		return PhysicalAddress{Base: 0, Offset: bi.Offset}, true
	}

	log.WithFields(logrus.Fields{"depths": numDepths, "kernel_sources": len(sources), "launches": len(cg.Launches)}).Info("schedule complete")

	return &KernelPlan{
		KernelSources: sources,
		Launches:      launches,
		BufInfos:      pl.Infos,
		numDepths:     numDepths,
		resolve:       resolve,
	}, nil
}

// heuristicBench is the profiler's default BenchFn when no real device
// measurement backend is wired in (the CLI's default and what tests use):
// it reports the heuristic cost model itself rather than measuring an
// actual kernel launch.
func heuristicBench(tensors map[core.TensorID]*core.Tensor) profiler.BenchFn {
	return func(ctx context.Context, s *sequence.SchedOpSeq, warps int) (float64, error) {
		return profiler.HeuristicCost(s.Ops, tensors, warps), nil
	}
}
