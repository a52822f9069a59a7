// Package gpusched implements a distributed GPU compute scheduler: it takes
// an op graph over sharded tensors and produces a deterministic kernel
// launch plan.
//
// # Architecture Overview
//
// A Schedule call is built from seven components:
//
//   - core: shape/stride/padding algebra and the Tensor/TensorBuf view model
//   - graph: op dependency DAG construction, cycle rejection, depth layering
//   - planner: cross-rank buffer planning with single-arena reuse
//   - sequence: per-depth op fusion into SchedOpSeq under a warp budget
//   - packer: bin-packing sequences into Sched entries under device capacity
//   - codegen: deterministic kernel source and launch plan generation
//   - profiler: optional micro-benchmark hook with a heuristic fallback
//
// scheduler.Schedule wires all of the above behind a single entrypoint;
// device.Manager, transport.IpcTransport, and catalog.KernelCatalog are the
// external collaborators a production GPU binding, IPC layer, and kernel
// template library supply.
//
// # Basic Usage
//
//	plan, err := scheduler.Schedule(ctx, model, deviceManager, transport, catalog, scheduler.DefaultOptions())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	addr, _ := plan.Resolve(tensorID)
//
// # Package Structure
//
//   - core: tensor/buffer/shape primitives
//   - graph: op dependency DAG
//   - planner: cross-rank buffer planner
//   - sequence: op-sequence builder
//   - packer: depth packer
//   - codegen: kernel source and launch plan generator
//   - profiler: optional profiler hook
//   - catalog, device, transport: external collaborator interfaces plus
//     single-process reference/default implementations
//   - scheduler: the Schedule entrypoint wiring the above together
//   - cmd/gpuschedc: the CLI (schedule, profile subcommands)
package gpusched
