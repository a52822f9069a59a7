package main

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/deepshard/gpusched/core"
	"github.com/deepshard/gpusched/errs"
	"github.com/deepshard/gpusched/graph"
	"github.com/deepshard/gpusched/scheduler"
)

// tensorFile is one entry of ModelFile.Tensors. Offs and Pads default to
// zeros and ones respectively when omitted, matching an unpadded,
// zero-offset view.
type tensorFile struct {
	ID       int      `yaml:"id"`
	Name     string   `yaml:"name"`
	Buf      int      `yaml:"buf"`
	Shape    []int    `yaml:"shape"`
	LDims    []int    `yaml:"ldims"`
	Offs     []int    `yaml:"offs"`
	Pads     []int    `yaml:"pads"`
	DType    string   `yaml:"dtype"`
	Exported bool     `yaml:"exported"`
	StreamID int      `yaml:"stream_id"`
	Observed bool     `yaml:"observed"`
}

type bufFile struct {
	ID    int `yaml:"id"`
	Bytes int `yaml:"bytes"`
}

type opFile struct {
	ID      int    `yaml:"id"`
	Opcode  string `yaml:"opcode"`
	Inputs  []int  `yaml:"inputs"`
	Outputs []int  `yaml:"outputs"`
	Perm    []int  `yaml:"perm"`
}

// ModelFile is the on-disk YAML shape a `schedule` invocation reads: the
// minimal description of tensors, bufs, and ops needed to build a
// scheduler.Model without hand-writing Go structs.
type ModelFile struct {
	Tensors []tensorFile `yaml:"tensors"`
	Bufs    []bufFile    `yaml:"bufs"`
	Ops     []opFile     `yaml:"ops"`
}

// LoadModelFile reads and parses a ModelFile from path.
func LoadModelFile(path string) (*ModelFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading model file %s", path)
	}
	var mf ModelFile
	if err := yaml.Unmarshal(data, &mf); err != nil {
		return nil, errors.Wrapf(err, "parsing model file %s", path)
	}
	return &mf, nil
}

func dtypeFromString(s string) core.DType {
	switch s {
	case "int32":
		return core.DTypeInt32
	case "fp16":
		return core.DTypeFP16
	case "fp32":
		return core.DTypeFP32
	default:
		return core.DTypeByte
	}
}

func opcodeFromString(s string) (graph.OpCode, error) {
	switch s {
	case "elementwise":
		return graph.OpElementwise, nil
	case "transpose":
		return graph.OpTranspose, nil
	case "matmul":
		return graph.OpMatMul, nil
	case "reduce":
		return graph.OpReduce, nil
	case "send":
		return graph.OpSend, nil
	case "recv":
		return graph.OpRecv, nil
	default:
		return 0, errs.New(errs.CodegenUnsupported, "unknown opcode in model file", map[string]interface{}{"opcode": s})
	}
}

// ones builds a length-n slice of 1s, the default pad vector.
func ones(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = 1
	}
	return out
}

// Convert builds a scheduler.Model from the file, filling in
// ldims/offs/pads defaults (identity layout: ldims==shape, zero offset, pad
// 1) when the file omits them, so a hand-written model only needs to state
// shape and dtype for the common unpadded case.
func (mf *ModelFile) Convert() (*scheduler.Model, error) {
	tensors := make(map[core.TensorID]*core.Tensor, len(mf.Tensors))
	bufs := make(map[core.TensorBufID]*core.TensorBuf, len(mf.Bufs))
	observed := map[core.TensorID]bool{}

	for _, b := range mf.Bufs {
		bufs[core.TensorBufID(b.ID)] = core.NewTensorBuf(core.TensorBufID(b.ID), b.Bytes)
	}

	for _, tf := range mf.Tensors {
		shape := core.Dims(tf.Shape)
		ldims := core.Dims(tf.LDims)
		if len(ldims) == 0 {
			ldims = shape.Clone()
		}
		offs := tf.Offs
		if len(offs) == 0 {
			offs = make([]int, len(shape))
		}
		pads := tf.Pads
		if len(pads) == 0 {
			pads = ones(len(shape))
		}
		tn, err := core.NewTensor(core.TensorID(tf.ID), tf.Name, core.TensorBufID(tf.Buf), shape, ldims, offs, pads, dtypeFromString(tf.DType))
		if err != nil {
			return nil, err
		}
		tn.Exported = tf.Exported
		tn.StreamID = tf.StreamID
		tensors[tn.ID] = tn
		if tf.Observed {
			observed[tn.ID] = true
		}
	}

	ops := make([]*graph.Op, 0, len(mf.Ops))
	for _, of := range mf.Ops {
		code, err := opcodeFromString(of.Opcode)
		if err != nil {
			return nil, err
		}
		inputs := make([]core.TensorID, len(of.Inputs))
		for i, id := range of.Inputs {
			inputs[i] = core.TensorID(id)
		}
		outputs := make([]core.TensorID, len(of.Outputs))
		for i, id := range of.Outputs {
			outputs[i] = core.TensorID(id)
		}
		ops = append(ops, &graph.Op{
			ID:      graph.OpID(of.ID),
			Code:    code,
			Inputs:  inputs,
			Outputs: outputs,
			Config:  graph.OpConfig{Perm: of.Perm},
		})
	}

	return &scheduler.Model{Ops: ops, Tensors: tensors, Bufs: bufs, Observed: observed}, nil
}
