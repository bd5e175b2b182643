// Package model assembles the 3-layer stack whose forward step the pipeline
// drives: an embedding table, a hidden transform with a rectifier, and an
// output transform feeding softmax and the loss.
package model

import (
	"fmt"

	"github.com/samcharles93/trellis/internal/shard"
	"github.com/samcharles93/trellis/internal/tensor"
	"github.com/samcharles93/trellis/internal/topology"
)

// Stage assignment of the layer stack: the embedding belongs to the first
// pipeline stage, the hidden transform to the second, the output transform to
// the third.
const (
	StageEmbed   = 0
	StageHidden  = 1
	StageProject = 2
)

// Config fixes the model dimensions.
type Config struct {
	BatchSize  int // per-data-rank batch size
	SeqLen     int
	VocabSize  int
	EmbSize    int
	HiddenSize int
}

// Model holds the three parameter handles. Construction materializes the full
// weights on every worker so initialization is order-identical to an unsharded
// baseline; Shard3D then discards everything a worker does not own.
type Model struct {
	Cfg         Config
	VocabPadded int

	// WTE is the embedding table [vocab x emb]. FC1 maps the flattened
	// sequence embedding [seq*emb x hidden]; FC2 maps hidden activations to
	// vocabulary logits [hidden x vocab].
	WTE *shard.Param
	FC1 *shard.Param
	FC2 *shard.Param
}

// New builds the full unsharded model. The per-layer seeds derive from the
// run seed, so every worker constructs identical weights.
func New(cfg Config, seed int64) *Model {
	wte := tensor.NewMat(cfg.VocabSize, cfg.EmbSize)
	fc1 := tensor.NewMat(cfg.SeqLen*cfg.EmbSize, cfg.HiddenSize)
	fc2 := tensor.NewMat(cfg.HiddenSize, cfg.VocabSize)
	tensor.FillRand(&wte, seed+11)
	tensor.FillRand(&fc1, seed+23)
	tensor.FillRand(&fc2, seed+37)
	return &Model{
		Cfg:         cfg,
		VocabPadded: cfg.VocabSize,
		WTE:         shard.NewParam("wte", wte, StageEmbed),
		FC1:         shard.NewParam("fc1", fc1, StageHidden),
		FC2:         shard.NewParam("fc2", fc2, StageProject),
	}
}

// PadVocab zero-extends the embedding table's vocabulary dimension. Padding
// happens after initialization (keeping the weight values identical to the
// unpadded baseline) and before sharding. Only the embedding is padded: that
// is the side the data-parallel split sees, and padded rows are never indexed
// because generated tokens stay below the true vocabulary size.
func (m *Model) PadVocab(padded int) {
	m.WTE.PadRows(padded)
	m.VocabPadded = padded
}

// MaxShardedLayerSize returns the largest fully-gathered layer extent in
// elements, for logging and memory accounting.
func (m *Model) MaxShardedLayerSize() int {
	size := m.WTE.Rows * m.WTE.Cols
	size = max(size, m.FC1.Rows*m.FC1.Cols)
	return max(size, m.FC2.Rows*m.FC2.Cols)
}

// Shard3D applies the three partitioning schemes in their required order:
// tensor split first, then the data-parallel split, and the pipeline drop
// last, since releasing a layer before its shard is formed would lose data.
//
// The output transform is tensor-split along its input (contraction)
// dimension; each tensor rank keeps a distinct projection slice whose outputs
// are mean-reduced across the tensor group downstream. All three layers are
// then data-sharded along their leading dimensions, and finally every worker
// releases the layers outside its own stage.
func (m *Model) Shard3D(t *topology.Topology) error {
	if err := m.FC2.ShardTensor(t.TensorRank, t.TensorSize); err != nil {
		return err
	}
	for _, p := range m.params() {
		if err := p.ShardData(t.DataRank, t.DataSize); err != nil {
			return err
		}
	}
	for _, p := range m.params() {
		if p.OwnerStage != t.PipelineRank {
			p.Release()
		}
	}
	return nil
}

// Owned returns the parameter owned by the given pipeline stage.
func (m *Model) Owned(stage int) (*shard.Param, error) {
	for _, p := range m.params() {
		if p.OwnerStage == stage {
			return p, nil
		}
	}
	return nil, fmt.Errorf("model: no layer assigned to stage %d", stage)
}

func (m *Model) params() []*shard.Param {
	return []*shard.Param{m.WTE, m.FC1, m.FC2}
}
