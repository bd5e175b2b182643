// Package engine runs one forward/loss step across an in-process worker grid.
// Every worker executes the identical program (build topology, construct and
// shard the model, fetch its data-rank batch, run the pipeline step); the
// engine only spawns them, collects their results, and checks that the final
// loss is consistent everywhere.
package engine

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/samcharles93/trellis/internal/comm"
	"github.com/samcharles93/trellis/internal/dataset"
	"github.com/samcharles93/trellis/internal/logger"
	"github.com/samcharles93/trellis/internal/model"
	"github.com/samcharles93/trellis/internal/pipeline"
	"github.com/samcharles93/trellis/internal/shard"
	"github.com/samcharles93/trellis/internal/topology"
)

// lossTolerance bounds the spread of per-worker losses after the final
// broadcast and reduction; anything larger indicates a wiring bug, not
// floating-point noise.
const lossTolerance = 1e-5

// Config describes one step run.
type Config struct {
	TensorSize   int
	DataSize     int
	PipelineSize int

	GlobalBatchSize int
	SeqLen          int
	VocabSize       int
	EmbSize         int
	HiddenSize      int

	Seed     int64
	DataPath string // optional word list; built-in list when empty

	Log logger.Logger
}

// WorkerReport is one worker's outcome.
type WorkerReport struct {
	WorldRank    int     `json:"world_rank"`
	TensorRank   int     `json:"tensor_rank"`
	DataRank     int     `json:"data_rank"`
	PipelineRank int     `json:"pipeline_rank"`
	Stage        string  `json:"stage"`
	Loss         float32 `json:"loss"`
}

// Report summarises a completed step.
type Report struct {
	RunID          string         `json:"run_id"`
	WorldSize      int            `json:"world_size"`
	TensorSize     int            `json:"tensor_size"`
	DataSize       int            `json:"data_size"`
	PipelineSize   int            `json:"pipeline_size"`
	GlobalBatch    int            `json:"global_batch_size"`
	MicroBatch     int            `json:"micro_batch_size"`
	VocabSize      int            `json:"vocab_size"`
	VocabPadded    int            `json:"vocab_size_padded"`
	MaxLayerSize   int            `json:"max_layer_size"`
	Loss           float32        `json:"loss"`
	Workers        []WorkerReport `json:"workers"`
	Elapsed        time.Duration  `json:"elapsed_ns"`
	ElapsedSeconds float64        `json:"elapsed_seconds"`
}

// Run validates the configuration, executes the step on a fresh worker grid,
// and returns the collected report. Configuration errors are fatal for the
// whole run: they would reproduce identically on every worker, so nothing is
// retried.
func Run(ctx context.Context, cfg Config) (*Report, error) {
	log := cfg.Log
	if log == nil {
		log = logger.FromContext(ctx)
	}

	topoCfg := topology.Config{
		TensorSize:   cfg.TensorSize,
		DataSize:     cfg.DataSize,
		PipelineSize: cfg.PipelineSize,
	}
	worldSize := cfg.TensorSize * cfg.DataSize * cfg.PipelineSize
	if err := topology.Validate(topoCfg, worldSize); err != nil {
		return nil, err
	}
	micro, err := dataset.MicroBatchSize(cfg.GlobalBatchSize, cfg.DataSize)
	if err != nil {
		return nil, err
	}

	ds, err := loadDataset(cfg)
	if err != nil {
		return nil, err
	}
	train, _ := ds.Split(0.9)

	padded := shard.PaddedRows(cfg.VocabSize, cfg.DataSize)
	log.Info("starting step",
		"world", worldSize, "tp", cfg.TensorSize, "dp", cfg.DataSize, "pp", cfg.PipelineSize,
		"micro_batch", micro, "vocab_padded", padded)

	report := &Report{
		RunID:        uuid.NewString(),
		WorldSize:    worldSize,
		TensorSize:   cfg.TensorSize,
		DataSize:     cfg.DataSize,
		PipelineSize: cfg.PipelineSize,
		GlobalBatch:  cfg.GlobalBatchSize,
		MicroBatch:   micro,
		VocabSize:    cfg.VocabSize,
		VocabPadded:  padded,
		Workers:      make([]WorkerReport, worldSize),
	}

	world := comm.NewWorld(worldSize)
	errs := make([]error, worldSize)
	start := time.Now()
	var wg sync.WaitGroup
	for _, c := range world {
		wg.Add(1)
		go func(c *comm.Comm) {
			defer wg.Done()
			errs[c.Rank()] = runWorker(c, cfg, topoCfg, train, micro, padded, log, report)
		}(c)
	}
	wg.Wait()
	report.Elapsed = time.Since(start)
	report.ElapsedSeconds = report.Elapsed.Seconds()

	for r, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("worker %d: %w", r, err)
		}
	}

	// Every worker must have observed the same loss.
	report.Loss = report.Workers[0].Loss
	for _, w := range report.Workers[1:] {
		if math.Abs(float64(w.Loss-report.Loss)) > lossTolerance {
			return nil, fmt.Errorf("engine: loss diverged: worker %d observed %v, worker 0 observed %v",
				w.WorldRank, w.Loss, report.Loss)
		}
	}

	log.Info("step complete", "run_id", report.RunID, "loss", report.Loss,
		"elapsed", report.Elapsed.Round(time.Microsecond))
	return report, nil
}

// runWorker is the per-worker program. Identical on every rank; only the
// coordinate differs.
func runWorker(c *comm.Comm, cfg Config, topoCfg topology.Config, train *dataset.Dataset,
	micro, paddedVocab int, log logger.Logger, report *Report) error {
	topo, err := topology.New(c, topoCfg)
	if err != nil {
		return err
	}
	wlog := log.With("rank", topo.WorldRank,
		"tp", topo.TensorRank, "dp", topo.DataRank, "pp", topo.PipelineRank)

	// Construct the full model first, then shard: initialization order stays
	// identical to an unsharded baseline, and padding precedes the split.
	m := model.New(model.Config{
		BatchSize:  micro,
		SeqLen:     cfg.SeqLen,
		VocabSize:  cfg.VocabSize,
		EmbSize:    cfg.EmbSize,
		HiddenSize: cfg.HiddenSize,
	}, cfg.Seed)
	m.PadVocab(paddedVocab)
	maxLayer := m.MaxShardedLayerSize()
	if err := m.Shard3D(topo); err != nil {
		return err
	}

	xs, ys, err := train.RankBatch(cfg.GlobalBatchSize, topo.DataRank, topo.DataSize)
	if err != nil {
		return err
	}

	loss, err := pipeline.Forward(topo, m, xs, ys, wlog)
	if err != nil {
		return err
	}
	if topo.WorldRank == 0 {
		wlog.Debug("worker done", "loss", loss, "max_layer_size", maxLayer)
		report.MaxLayerSize = maxLayer
	}

	report.Workers[topo.WorldRank] = WorkerReport{
		WorldRank:    topo.WorldRank,
		TensorRank:   topo.TensorRank,
		DataRank:     topo.DataRank,
		PipelineRank: topo.PipelineRank,
		Stage:        pipeline.StageName(topo.PipelineRank),
		Loss:         loss,
	}
	return nil
}

func loadDataset(cfg Config) (*dataset.Dataset, error) {
	if cfg.DataPath == "" {
		return dataset.Default(cfg.SeqLen), nil
	}
	return dataset.Load(cfg.DataPath, cfg.SeqLen)
}

// DefaultConfig returns the dimensions of the reference run: a 27-symbol
// vocabulary, 16-wide embeddings, and a hidden size of four times the
// embedding width.
func DefaultConfig() Config {
	return Config{
		TensorSize:      1,
		DataSize:        1,
		PipelineSize:    topology.StageCount,
		GlobalBatchSize: 32,
		SeqLen:          16,
		VocabSize:       dataset.VocabSize,
		EmbSize:         16,
		HiddenSize:      64,
		Seed:            42,
	}
}
