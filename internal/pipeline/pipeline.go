// Package pipeline executes one forward/loss step across the process grid:
// per-stage local computation interleaved with data-group rematerializations,
// point-to-point activation transfers along the pipeline group, and the final
// loss reduction and broadcast.
package pipeline

import (
	"fmt"

	"github.com/samcharles93/trellis/internal/logger"
	"github.com/samcharles93/trellis/internal/model"
	"github.com/samcharles93/trellis/internal/tensor"
	"github.com/samcharles93/trellis/internal/topology"
)

// UnknownStageError reports a pipeline coordinate outside the stage table.
// Unreachable with a validated topology; fatal if it ever fires.
type UnknownStageError struct {
	PipelineRank int
}

func (e *UnknownStageError) Error() string {
	return fmt.Sprintf("pipeline: unknown stage for pipeline rank %d", e.PipelineRank)
}

// step carries one worker's state through its stage function.
type step struct {
	topo *topology.Topology
	m    *model.Model
	xs   []int
	ys   []int
	log  logger.Logger
	loss float32
}

// stage describes one pipeline stage: which layer it owns and how it computes.
// The worker's pipeline rank indexes this table; adding a stage is a data
// change, not a new branch.
type stage struct {
	name string
	run  func(*step) error
}

var stages = []stage{
	{name: "embed", run: runEmbed},
	{name: "hidden", run: runHidden},
	{name: "project", run: runProject},
}

// Forward runs one forward step and returns the loss, identical on every
// worker: the final scalar is broadcast from the last stage over the pipeline
// group and then mean-reduced over the data group so it reflects the full
// global batch.
func Forward(topo *topology.Topology, m *model.Model, xs, ys []int, log logger.Logger) (float32, error) {
	pr := topo.PipelineRank
	if pr < 0 || pr >= len(stages) {
		err := &UnknownStageError{PipelineRank: pr}
		log.Error("aborting step", "err", err)
		return 0, err
	}
	st := &step{topo: topo, m: m, xs: xs, ys: ys, log: log.With("stage", stages[pr].name)}
	if err := stages[pr].run(st); err != nil {
		return 0, fmt.Errorf("stage %s: %w", stages[pr].name, err)
	}
	out := topo.PipelineGroup.Bcast(len(stages)-1, []float32{st.loss})
	loss := topo.DataGroup.AllReduceMean([]float32{out[0]})
	return loss[0], nil
}

// runEmbed is the first stage: rematerialize the data-sharded embedding table,
// look up the input tokens, and hand the activation to the next stage.
func runEmbed(st *step) error {
	table, err := st.m.WTE.Rematerialize(st.topo.DataGroup)
	if err != nil {
		return err
	}
	act := tensor.EmbeddingLookup(table, st.xs, st.m.Cfg.BatchSize, st.m.Cfg.SeqLen)
	return sendActivation(st.topo, model.StageHidden, act)
}

// runHidden is the second stage: receive the embedded batch, rematerialize
// the hidden transform, apply it with the rectifier, and pass the result on.
func runHidden(st *step) error {
	cfg := st.m.Cfg
	act, err := recvActivation(st.topo, model.StageEmbed, cfg.BatchSize, cfg.SeqLen*cfg.EmbSize)
	if err != nil {
		return err
	}
	w, err := st.m.FC1.Rematerialize(st.topo.DataGroup)
	if err != nil {
		return err
	}
	hidden := tensor.ReLU(tensor.Linear(act, w))
	return sendActivation(st.topo, model.StageProject, hidden)
}

// runProject is the last stage: receive the hidden activation, rematerialize
// this tensor rank's slice of the output transform, compute the partial
// logits over its input-feature slice, and mean-reduce across the tensor
// group before softmax and the loss.
//
// The reduction is a mean rather than a sum: each tensor rank's slice acts as
// a distinct random projection whose contributions are averaged, matching the
// training-time normalization this model was built with. Changing it to a sum
// would change the numerics.
func runProject(st *step) error {
	cfg := st.m.Cfg
	act, err := recvActivation(st.topo, model.StageHidden, cfg.BatchSize, cfg.HiddenSize)
	if err != nil {
		return err
	}
	w, err := st.m.FC2.Rematerialize(st.topo.DataGroup)
	if err != nil {
		return err
	}
	part := inputSlice(act, st.topo.TensorRank, st.topo.TensorSize)
	logits := tensor.Linear(part, w)
	reduced := st.topo.TensorGroup.AllReduceMean(logits.Data)
	logits = tensor.NewMatFromData(logits.R, logits.C, reduced)
	probs := tensor.Softmax(logits)
	st.loss = tensor.CrossEntropy(probs, st.ys)
	st.log.Debug("local loss computed", "loss", st.loss)
	return nil
}

// inputSlice returns the columns of act matching this tensor rank's slice of
// the contraction dimension.
func inputSlice(act tensor.Mat, tensorRank, tensorSize int) tensor.Mat {
	if tensorSize == 1 {
		return act
	}
	width := act.C / tensorSize
	out := tensor.NewMat(act.R, width)
	for b := 0; b < act.R; b++ {
		copy(out.Row(b), act.Row(b)[tensorRank*width:(tensorRank+1)*width])
	}
	return out
}

// activationTag names a transfer by the (tensor, data) coordinate shared by
// sender and receiver plus the payload shape. Both ends derive it
// independently, so a miswired pairing fails loudly instead of silently
// crossing replicas.
func activationTag(topo *topology.Topology, fromStage int, rows, cols int) string {
	return fmt.Sprintf("act.t%d.d%d.s%d.%dx%d", topo.TensorRank, topo.DataRank, fromStage, rows, cols)
}

func sendActivation(topo *topology.Topology, toStage int, act tensor.Mat) error {
	tag := activationTag(topo, topo.PipelineRank, act.R, act.C)
	return topo.PipelineGroup.Send(toStage, tag, act.Data)
}

func recvActivation(topo *topology.Topology, fromStage, rows, cols int) (tensor.Mat, error) {
	tag := activationTag(topo, fromStage, rows, cols)
	data, err := topo.PipelineGroup.Recv(fromStage, tag)
	if err != nil {
		return tensor.Mat{}, err
	}
	if len(data) != rows*cols {
		return tensor.Mat{}, fmt.Errorf("activation from stage %d has %d elements, want %d",
			fromStage, len(data), rows*cols)
	}
	return tensor.NewMatFromData(rows, cols, data), nil
}

// StageCount reports the number of stages in the table. Matches
// topology.StageCount by construction.
func StageCount() int { return len(stages) }

// StageName returns the human-readable name of a stage.
func StageName(pipelineRank int) string {
	if pipelineRank < 0 || pipelineRank >= len(stages) {
		return "unknown"
	}
	return stages[pipelineRank].name
}
