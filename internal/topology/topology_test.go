package topology

import (
	"errors"
	"sync"
	"testing"

	"github.com/samcharles93/trellis/internal/comm"
)

// buildAll constructs the topology concurrently on every worker of a fresh
// world and returns the per-rank results.
func buildAll(t *testing.T, cfg Config) ([]*Topology, []error) {
	t.Helper()
	size := cfg.TensorSize * cfg.DataSize * cfg.PipelineSize
	world := comm.NewWorld(size)
	topos := make([]*Topology, size)
	errs := make([]error, size)
	var wg sync.WaitGroup
	for _, c := range world {
		wg.Add(1)
		go func(c *comm.Comm) {
			defer wg.Done()
			topos[c.Rank()], errs[c.Rank()] = New(c, cfg)
		}(c)
	}
	wg.Wait()
	return topos, errs
}

func TestDecomposeBijection(t *testing.T) {
	t.Parallel()
	for _, cfg := range []Config{
		{TensorSize: 1, DataSize: 2, PipelineSize: 3},
		{TensorSize: 2, DataSize: 1, PipelineSize: 3},
		{TensorSize: 2, DataSize: 2, PipelineSize: 3},
		{TensorSize: 3, DataSize: 4, PipelineSize: 3},
	} {
		world := cfg.TensorSize * cfg.DataSize * cfg.PipelineSize
		seen := map[Coord]int{}
		for r := range world {
			co := Decompose(r, cfg)
			if co.Tensor < 0 || co.Tensor >= cfg.TensorSize ||
				co.Data < 0 || co.Data >= cfg.DataSize ||
				co.Pipeline < 0 || co.Pipeline >= cfg.PipelineSize {
				t.Fatalf("cfg %+v rank %d: coordinate out of range: %+v", cfg, r, co)
			}
			if prev, dup := seen[co]; dup {
				t.Fatalf("cfg %+v: ranks %d and %d share coordinate %+v", cfg, prev, r, co)
			}
			seen[co] = r
		}
		// Reconstructing the rank from the coordinate closes the bijection.
		for co, r := range seen {
			if got := ((co.Pipeline*cfg.DataSize)+co.Data)*cfg.TensorSize + co.Tensor; got != r {
				t.Fatalf("cfg %+v: coordinate %+v maps back to %d, want %d", cfg, co, got, r)
			}
		}
	}
}

func TestNewAssignsGroups(t *testing.T) {
	t.Parallel()
	cfg := Config{TensorSize: 2, DataSize: 2, PipelineSize: 3}
	topos, errs := buildAll(t, cfg)
	for r, err := range errs {
		if err != nil {
			t.Fatalf("rank %d: %v", r, err)
		}
	}
	for r, topo := range topos {
		if topo.TensorGroup.Size() != cfg.TensorSize {
			t.Fatalf("rank %d: tensor group size %d", r, topo.TensorGroup.Size())
		}
		if topo.DataGroup.Size() != cfg.DataSize {
			t.Fatalf("rank %d: data group size %d", r, topo.DataGroup.Size())
		}
		if topo.PipelineGroup.Size() != StageCount {
			t.Fatalf("rank %d: pipeline group size %d", r, topo.PipelineGroup.Size())
		}
		if topo.TensorGroup.Rank() != topo.TensorRank ||
			topo.DataGroup.Rank() != topo.DataRank ||
			topo.PipelineGroup.Rank() != topo.PipelineRank {
			t.Fatalf("rank %d: group ranks do not match coordinate", r)
		}
	}
}

func TestPipelineGroupsPartitionWorkers(t *testing.T) {
	t.Parallel()
	// Every (tensor, data) pair owns exactly one worker per stage: the
	// pipeline groups partition the workers into tensor*data groups of 3.
	cfg := Config{TensorSize: 2, DataSize: 2, PipelineSize: 3}
	topos, _ := buildAll(t, cfg)
	type pair struct{ tensor, data int }
	stagesSeen := map[pair]map[int]bool{}
	for _, topo := range topos {
		p := pair{topo.TensorRank, topo.DataRank}
		if stagesSeen[p] == nil {
			stagesSeen[p] = map[int]bool{}
		}
		if stagesSeen[p][topo.PipelineRank] {
			t.Fatalf("pair %+v has two workers at stage %d", p, topo.PipelineRank)
		}
		stagesSeen[p][topo.PipelineRank] = true
	}
	if len(stagesSeen) != cfg.TensorSize*cfg.DataSize {
		t.Fatalf("got %d pipeline groups, want %d", len(stagesSeen), cfg.TensorSize*cfg.DataSize)
	}
	for p, stages := range stagesSeen {
		if len(stages) != StageCount {
			t.Fatalf("pair %+v covers %d stages, want %d", p, len(stages), StageCount)
		}
	}
}

func TestValidateRejectsBadGrids(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name  string
		cfg   Config
		world int
	}{
		{"pipeline size 2", Config{TensorSize: 1, DataSize: 1, PipelineSize: 2}, 2},
		{"pipeline size 4", Config{TensorSize: 1, DataSize: 1, PipelineSize: 4}, 4},
		{"product mismatch", Config{TensorSize: 2, DataSize: 2, PipelineSize: 3}, 6},
		{"zero axis", Config{TensorSize: 0, DataSize: 2, PipelineSize: 3}, 0},
	}
	for _, tc := range cases {
		err := Validate(tc.cfg, tc.world)
		if err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
		var cfgErr *ConfigError
		if !errors.As(err, &cfgErr) {
			t.Fatalf("%s: expected *ConfigError, got %T", tc.name, err)
		}
	}
}

func TestNewRejectsBadGridOnEveryWorker(t *testing.T) {
	t.Parallel()
	// A bad grid is detected identically on every worker before any group is
	// formed.
	world := comm.NewWorld(6)
	cfg := Config{TensorSize: 1, DataSize: 1, PipelineSize: 6}
	var wg sync.WaitGroup
	errs := make([]error, 6)
	for _, c := range world {
		wg.Add(1)
		go func(c *comm.Comm) {
			defer wg.Done()
			_, errs[c.Rank()] = New(c, cfg)
		}(c)
	}
	wg.Wait()
	for r, err := range errs {
		var cfgErr *ConfigError
		if !errors.As(err, &cfgErr) {
			t.Fatalf("rank %d: expected *ConfigError, got %v", r, err)
		}
	}
}
