// Package api exposes the step engine over a small REST surface: POST a grid
// configuration to run one forward/loss step, GET the outcome of the last run.
package api

import (
	"net/http"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/trellis/internal/engine"
	"github.com/samcharles93/trellis/internal/logger"
)

// StepRequest selects the grid and model dimensions for one step. Zero fields
// fall back to the engine defaults.
type StepRequest struct {
	TensorSize   int `json:"tensor_size"`
	DataSize     int `json:"data_size"`
	PipelineSize int `json:"pipeline_size"`

	GlobalBatchSize int   `json:"global_batch_size,omitempty"`
	SeqLen          int   `json:"seq_len,omitempty"`
	VocabSize       int   `json:"vocab_size,omitempty"`
	EmbSize         int   `json:"emb_size,omitempty"`
	HiddenSize      int   `json:"hidden_size,omitempty"`
	Seed            int64 `json:"seed,omitempty"`
}

// StatusResponse reports the server's last observed run.
type StatusResponse struct {
	State      string         `json:"state"` // idle, running, done, failed
	LastError  string         `json:"last_error,omitempty"`
	LastReport *engine.Report `json:"last_report,omitempty"`
}

// Server runs steps on request and remembers the most recent outcome.
type Server struct {
	log logger.Logger

	mu      sync.Mutex
	running bool
	state   StatusResponse
}

// NewServer creates a Server; log may be nil.
func NewServer(log logger.Logger) *Server {
	if log == nil {
		log = logger.Default()
	}
	return &Server{log: log, state: StatusResponse{State: "idle"}}
}

// Register mounts the routes on e.
func (s *Server) Register(e *echo.Echo) {
	e.POST("/v1/steps", s.handleStep)
	e.GET("/v1/status", s.handleStatus)
}

func (s *Server) handleStatus(c *echo.Context) error {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	return writeJSON(c, http.StatusOK, state)
}

func (s *Server) handleStep(c *echo.Context) error {
	var req StepRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		return writeError(c, http.StatusBadRequest, "invalid request body: "+err.Error())
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return writeError(c, http.StatusConflict, "a step is already running")
	}
	s.running = true
	s.state = StatusResponse{State: "running"}
	s.mu.Unlock()

	cfg := req.engineConfig()
	cfg.Log = s.log
	report, err := engine.Run(c.Request().Context(), cfg)

	s.mu.Lock()
	s.running = false
	if err != nil {
		s.state = StatusResponse{State: "failed", LastError: err.Error()}
		s.mu.Unlock()
		return writeError(c, http.StatusUnprocessableEntity, err.Error())
	}
	s.state = StatusResponse{State: "done", LastReport: report}
	s.mu.Unlock()
	return writeJSON(c, http.StatusOK, report)
}

// engineConfig merges the request over the engine defaults.
func (r StepRequest) engineConfig() engine.Config {
	cfg := engine.DefaultConfig()
	if r.TensorSize > 0 {
		cfg.TensorSize = r.TensorSize
	}
	if r.DataSize > 0 {
		cfg.DataSize = r.DataSize
	}
	if r.PipelineSize > 0 {
		cfg.PipelineSize = r.PipelineSize
	}
	if r.GlobalBatchSize > 0 {
		cfg.GlobalBatchSize = r.GlobalBatchSize
	}
	if r.SeqLen > 0 {
		cfg.SeqLen = r.SeqLen
	}
	if r.VocabSize > 0 {
		cfg.VocabSize = r.VocabSize
	}
	if r.EmbSize > 0 {
		cfg.EmbSize = r.EmbSize
	}
	if r.HiddenSize > 0 {
		cfg.HiddenSize = r.HiddenSize
	}
	if r.Seed != 0 {
		cfg.Seed = r.Seed
	}
	return cfg
}

func writeJSON(c *echo.Context, status int, v any) error {
	return c.JSON(status, v)
}

func writeError(c *echo.Context, status int, msg string) error {
	return writeJSON(c, status, map[string]any{
		"error": map[string]string{"message": msg},
	})
}
