package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/slimline/internal/logger"
	"github.com/samcharles93/slimline/internal/pipeline"
	"github.com/samcharles93/slimline/internal/runner"
)

type ServerConfig struct {
	// AllowTransform enables POST /v1/transform. Transformations write to
	// the server's filesystem, so it is off by default.
	AllowTransform bool
	// BaseDir resolves relative paths in transform recipes.
	BaseDir  string
	Recorder pipeline.Recorder
	Workers  int
	Version  string
}

type Server struct {
	provider RunnerProvider
	cfg      ServerConfig
	clock    func() time.Time
}

func NewServer(provider RunnerProvider, cfg ServerConfig) *Server {
	return &Server{
		provider: provider,
		cfg:      cfg,
		clock:    time.Now,
	}
}

func (s *Server) Register(e *echo.Echo) {
	e.GET("/healthz", s.handleHealth)
	e.GET("/v1/models", s.handleListModels)
	e.POST("/v1/classify", s.handleClassify)
	e.POST("/v1/transform", s.handleTransform)
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok", Version: s.cfg.Version})
}

func (s *Server) handleListModels(c *echo.Context) error {
	if s.provider == nil {
		return writeError(c, http.StatusInternalServerError, "server_error", "model provider not configured", "", "")
	}
	models, err := s.provider.ListModels()
	if err != nil {
		return writeFailure(c, err)
	}
	return c.JSON(http.StatusOK, ModelList{Object: "list", Data: models})
}

func (s *Server) handleClassify(c *echo.Context) error {
	if s.provider == nil {
		return writeError(c, http.StatusInternalServerError, "server_error", "model provider not configured", "", "")
	}
	req, err := decodeJSON[ClassifyRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	texts, err := normalizeInput(req.Input)
	if err != nil {
		return writeError(c, http.StatusBadRequest, "invalid_request_error", err.Error(), "input", "")
	}

	ctx := c.Request().Context()
	var resp ClassifyResponse
	err = s.provider.WithRunner(ctx, req.Model, func(r *runner.Runner) error {
		preds, err := r.Classify(texts)
		if err != nil {
			return err
		}
		resp = ClassifyResponse{
			ID:      "cls_" + uuid.NewString(),
			Object:  "classification",
			Created: s.clock().Unix(),
			Model:   r.Artifact.Path,
			State:   string(r.Artifact.State()),
			SeqLen:  r.SeqLen,
			Data:    make([]Classification, len(preds)),
		}
		for i, p := range preds {
			resp.Data[i] = Classification{Index: i, Label: p.Label, LabelIndex: p.Index, Score: p.Score}
			if req.Logits {
				resp.Data[i].Logits = p.Logits
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrModelNotFound) {
			return writeNotFound(c, err.Error())
		}
		return writeFailure(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleTransform(c *echo.Context) error {
	if !s.cfg.AllowTransform {
		return writeError(c, http.StatusForbidden, "permission_error", "transformations are disabled on this server", "", "")
	}
	recipe, err := decodeJSON[TransformRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	plan, err := recipe.Plan(s.cfg.BaseDir)
	if err != nil {
		return writeFailure(c, err)
	}

	ctx := c.Request().Context()
	log := logger.FromContext(ctx).With("model", plan.Model)
	opts := []pipeline.Option{pipeline.WithWorkers(s.cfg.Workers)}
	if s.cfg.Recorder != nil {
		opts = append(opts, pipeline.WithRecorder(s.cfg.Recorder))
	}
	results, runErr := pipeline.Run(ctx, plan, opts...)

	resp := TransformResponse{Object: "transformation", Stages: make([]StageResult, 0, len(results))}
	for _, r := range results {
		resp.Stages = append(resp.Stages, stageResult(r))
		if ev, ok := s.provider.(interface{ Evict(string) }); ok {
			ev.Evict(r.Output.Path)
		}
	}
	if runErr == nil {
		return c.JSON(http.StatusOK, resp)
	}
	status, errType := classify(runErr)
	if len(results) == 0 {
		return writeError(c, status, errType, runErr.Error(), "", "")
	}
	log.Warn("transformation stopped", "finished", len(results), "error", runErr)
	resp.Error = &ErrorBody{Message: runErr.Error(), Type: errType}
	return c.JSON(status, resp)
}

func stageResult(r pipeline.Result) StageResult {
	return StageResult{
		ID:          r.ID.String(),
		Kind:        string(r.Kind),
		Source:      r.Source.Path,
		SourceState: string(r.Source.State()),
		Output:      r.Output.Path,
		OutputState: string(r.Output.State()),
		ElapsedMS:   r.Elapsed.Milliseconds(),
		NoOp:        r.NoOp,
		SourceBytes: r.SourceBytes,
		OutputBytes: r.OutputBytes,
		Detail:      r.Detail,
	}
}
