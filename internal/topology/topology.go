// Package topology maps a flat worker rank space onto a 3-D coordinate grid
// (tensor, data, pipeline) and derives the three communication groups used by
// the forward step.
package topology

import (
	"fmt"

	"github.com/samcharles93/trellis/internal/comm"
)

// StageCount is the number of pipeline stages. The layer stack is partitioned
// into exactly three stages; other pipeline sizes are rejected outright.
const StageCount = 3

// Config holds the grid extents along each axis.
type Config struct {
	TensorSize   int
	DataSize     int
	PipelineSize int
}

// ConfigError reports a grid that cannot be mapped onto the worker set. The
// condition is identical on every worker, so there is no degraded mode: the
// whole run is abandoned.
type ConfigError struct {
	Cfg       Config
	WorldSize int
	Reason    string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("topology: %s (tensor=%d data=%d pipeline=%d world=%d)",
		e.Reason, e.Cfg.TensorSize, e.Cfg.DataSize, e.Cfg.PipelineSize, e.WorldSize)
}

// Coord is one worker's position on the grid.
type Coord struct {
	Tensor   int
	Data     int
	Pipeline int
}

// Validate checks that the grid is well formed and covers worldSize workers
// exactly.
func Validate(cfg Config, worldSize int) error {
	if cfg.TensorSize < 1 || cfg.DataSize < 1 {
		return &ConfigError{Cfg: cfg, WorldSize: worldSize, Reason: "axis sizes must be at least 1"}
	}
	if cfg.PipelineSize != StageCount {
		return &ConfigError{Cfg: cfg, WorldSize: worldSize,
			Reason: fmt.Sprintf("pipeline size must be exactly %d", StageCount)}
	}
	if cfg.TensorSize*cfg.DataSize*cfg.PipelineSize != worldSize {
		return &ConfigError{Cfg: cfg, WorldSize: worldSize,
			Reason: "axis sizes do not multiply to the worker count"}
	}
	return nil
}

// Decompose maps a world rank to its grid coordinate using the fixed
// linearization
//
//	world = ((pipeline*dataSize)+data)*tensorSize + tensor
//
// The same bijection is used when forming every group, which is what makes
// stage-to-stage peer identities well defined.
func Decompose(worldRank int, cfg Config) Coord {
	return Coord{
		Tensor:   worldRank % cfg.TensorSize,
		Data:     (worldRank / cfg.TensorSize) % cfg.DataSize,
		Pipeline: worldRank / (cfg.TensorSize * cfg.DataSize),
	}
}

// Topology is one worker's view of the process grid: its coordinate plus the
// three disjoint communication groups. Collectives within one group never
// cross the others. Built once at startup and immutable thereafter.
type Topology struct {
	WorldRank int
	WorldSize int

	TensorSize   int
	DataSize     int
	PipelineSize int

	TensorRank   int
	DataRank     int
	PipelineRank int

	// TensorGroup spans workers sharing (data, pipeline); DataGroup spans
	// workers sharing (tensor, pipeline); PipelineGroup spans workers sharing
	// (tensor, data) and therefore holds exactly one worker per stage.
	TensorGroup   *comm.Comm
	DataGroup     *comm.Comm
	PipelineGroup *comm.Comm
}

// New derives this worker's coordinate and groups from the world
// communicator. Every worker must call New with the same config; the three
// Split calls are world collectives.
func New(world *comm.Comm, cfg Config) (*Topology, error) {
	if err := Validate(cfg, world.Size()); err != nil {
		return nil, err
	}
	co := Decompose(world.Rank(), cfg)
	t := &Topology{
		WorldRank:    world.Rank(),
		WorldSize:    world.Size(),
		TensorSize:   cfg.TensorSize,
		DataSize:     cfg.DataSize,
		PipelineSize: cfg.PipelineSize,
		TensorRank:   co.Tensor,
		DataRank:     co.Data,
		PipelineRank: co.Pipeline,
	}
	t.TensorGroup = world.Split(co.Pipeline*cfg.DataSize+co.Data, co.Tensor)
	t.DataGroup = world.Split(co.Pipeline*cfg.TensorSize+co.Tensor, co.Data)
	t.PipelineGroup = world.Split(co.Data*cfg.TensorSize+co.Tensor, co.Pipeline)
	return t, nil
}
