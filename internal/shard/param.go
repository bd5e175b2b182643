// Package shard implements the sharded parameter store: per-layer parameter
// handles that hold either the full weight or one worker's slice of it, plus
// the on-demand rematerialization that rebuilds a temporarily-full tensor from
// the slices held across a data group.
package shard

import (
	"fmt"

	"github.com/samcharles93/trellis/internal/comm"
	"github.com/samcharles93/trellis/internal/tensor"
)

// Axis names the relation between a parameter's local storage and its logical
// shape.
type Axis int

const (
	// AxisNone: local storage covers the whole logical shape.
	AxisNone Axis = iota
	// AxisData: local storage is this worker's data-rank slice of the leading
	// dimension; the full tensor must be rematerialized before use.
	AxisData
)

func (a Axis) String() string {
	switch a {
	case AxisNone:
		return "none"
	case AxisData:
		return "data"
	}
	return fmt.Sprintf("axis(%d)", int(a))
}

// DivisibilityError reports a dimension that cannot be split evenly across an
// axis. Sharding is all-or-nothing; this aborts the run.
type DivisibilityError struct {
	Param string
	Dim   int
	Parts int
}

func (e *DivisibilityError) Error() string {
	return fmt.Sprintf("shard: %s: dimension %d not divisible by %d", e.Param, e.Dim, e.Parts)
}

// Param is a tagged handle on one layer's weight. The handle always retains
// the local storage (full or slice); rematerialization returns a separate
// temporary value and never mutates the handle, so there is no swap-and-restore
// of aliased state.
type Param struct {
	Name string

	// Rows and Cols are the logical full extents. A tensor-parallel split
	// narrows Rows itself: each tensor rank legitimately owns a distinct
	// projection slice, and everything downstream (including the data-parallel
	// split) sees that slice as the layer's full shape.
	Rows, Cols int

	// Axis tags how local relates to the logical shape.
	Axis Axis

	// ShardRows is the local slice extent along the leading dimension when
	// Axis == AxisData; equal to Rows otherwise.
	ShardRows int

	// OwnerStage is the pipeline rank that holds this layer.
	OwnerStage int

	// TensorRank/TensorSize record an applied tensor-parallel split.
	TensorRank, TensorSize int

	// DataRank/DataSize record an applied data-parallel split.
	DataRank, DataSize int

	local    tensor.Mat
	released bool
}

// NewParam wraps a fully materialized weight. The handle takes ownership of m.
func NewParam(name string, m tensor.Mat, ownerStage int) *Param {
	return &Param{
		Name:       name,
		Rows:       m.R,
		Cols:       m.C,
		Axis:       AxisNone,
		ShardRows:  m.R,
		OwnerStage: ownerStage,
		TensorSize: 1,
		DataSize:   1,
		local:      m,
	}
}

// PaddedRows returns rows rounded up to the next multiple of parts. Already
// divisible row counts are returned unchanged, which makes the rule
// idempotent.
func PaddedRows(rows, parts int) int {
	if rem := rows % parts; rem != 0 {
		return rows + parts - rem
	}
	return rows
}

// PadRows zero-extends the leading dimension to padded rows. Padding must be
// applied before sharding; the padded rows carry no real entries and must
// never be addressed by generated indices.
func (p *Param) PadRows(padded int) {
	if p.Axis != AxisNone || p.released {
		panic(fmt.Sprintf("shard: %s: pad must precede sharding", p.Name))
	}
	if padded < p.Rows {
		panic(fmt.Sprintf("shard: %s: cannot pad %d rows down to %d", p.Name, p.Rows, padded))
	}
	if padded == p.Rows {
		return
	}
	grown := tensor.NewMat(padded, p.Cols)
	copy(grown.Data, p.local.Data)
	p.local = grown
	p.Rows = padded
	p.ShardRows = padded
}

// ShardTensor applies a tensor-parallel split along the leading (contraction)
// dimension: the handle keeps slice rank of size rows/size and that slice
// becomes the layer's logical shape. A forward pass that consumes such a
// shard must mean-reduce its output across the tensor group.
func (p *Param) ShardTensor(rank, size int) error {
	if size == 1 {
		return nil
	}
	if p.Axis != AxisNone {
		return fmt.Errorf("shard: %s: tensor split must precede the data split", p.Name)
	}
	if p.Rows%size != 0 {
		return &DivisibilityError{Param: p.Name, Dim: p.Rows, Parts: size}
	}
	rows := p.Rows / size
	slice := tensor.NewMat(rows, p.Cols)
	copy(slice.Data, p.local.Data[rank*rows*p.Cols:(rank+1)*rows*p.Cols])
	p.local = slice
	p.Rows = rows
	p.ShardRows = rows
	p.TensorRank = rank
	p.TensorSize = size
	return nil
}

// ShardData applies the fully-sharded data-parallel split: local storage
// shrinks to this data rank's slice of the leading dimension while the logical
// shape stays intact. The discarded slices live on the other data-group
// members and come back together in Rematerialize.
func (p *Param) ShardData(rank, size int) error {
	if size == 1 {
		return nil
	}
	if p.Axis == AxisData {
		return fmt.Errorf("shard: %s: already data-sharded", p.Name)
	}
	if p.Rows%size != 0 {
		return &DivisibilityError{Param: p.Name, Dim: p.Rows, Parts: size}
	}
	rows := p.Rows / size
	slice := tensor.NewMat(rows, p.Cols)
	copy(slice.Data, p.local.Data[rank*rows*p.Cols:(rank+1)*rows*p.Cols])
	p.local = slice
	p.Axis = AxisData
	p.ShardRows = rows
	p.DataRank = rank
	p.DataSize = size
	return nil
}

// Release drops the local storage. Called on workers whose pipeline stage does
// not own this layer, and only after any tensor/data split has been formed.
func (p *Param) Release() {
	p.local = tensor.Mat{}
	p.released = true
}

// Released reports whether the local storage has been dropped.
func (p *Param) Released() bool { return p.released }

// Local returns the locally held storage (full weight or shard).
func (p *Param) Local() tensor.Mat {
	if p.released {
		panic(fmt.Sprintf("shard: %s: storage released", p.Name))
	}
	return p.local
}

// Rematerialize reconstructs the full [Rows x Cols] weight. For a data-sharded
// parameter this is an all-gather over the data group in data-rank order; the
// result is a freshly allocated temporary sized exactly to this layer, used
// for one computation and then discarded by the caller. The handle itself is
// left untouched and keeps holding only the shard.
func (p *Param) Rematerialize(dataGroup *comm.Comm) (tensor.Mat, error) {
	if p.released {
		return tensor.Mat{}, fmt.Errorf("shard: %s: storage released", p.Name)
	}
	switch p.Axis {
	case AxisNone:
		return p.local.Clone(), nil
	case AxisData:
		if dataGroup == nil {
			return tensor.Mat{}, fmt.Errorf("shard: %s: data group required", p.Name)
		}
		if dataGroup.Size() != p.DataSize {
			return tensor.Mat{}, fmt.Errorf("shard: %s: data group size %d does not match shard count %d",
				p.Name, dataGroup.Size(), p.DataSize)
		}
		full := dataGroup.AllGather(p.local.Data)
		return tensor.NewMatFromData(p.Rows, p.Cols, full), nil
	}
	return tensor.Mat{}, fmt.Errorf("shard: %s: unknown axis %v", p.Name, p.Axis)
}
