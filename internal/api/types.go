package api

import "github.com/samcharles93/slimline/internal/pipeline"

type ErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Param   string `json:"param,omitempty"`
	Code    string `json:"code,omitempty"`
}

type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}

type ModelObject struct {
	ID        string `json:"id"`
	Object    string `json:"object"`
	Path      string `json:"path"`
	Format    string `json:"format"`
	State     string `json:"state"`
	HeadCount []int  `json:"head_count,omitempty"`
}

type ModelList struct {
	Object string        `json:"object"`
	Data   []ModelObject `json:"data"`
}

type ClassifyRequest struct {
	Model string `json:"model,omitempty"`
	// Input is a string or an array of strings.
	Input any `json:"input"`
	// Logits includes the raw logits of every input.
	Logits bool `json:"logits,omitempty"`
}

type Classification struct {
	Index      int       `json:"index"`
	Label      string    `json:"label"`
	LabelIndex int       `json:"label_index"`
	Score      float32   `json:"score"`
	Logits     []float32 `json:"logits,omitempty"`
}

type ClassifyResponse struct {
	ID      string           `json:"id"`
	Object  string           `json:"object"`
	Created int64            `json:"created"`
	Model   string           `json:"model"`
	State   string           `json:"state"`
	SeqLen  int              `json:"seq_len"`
	Data    []Classification `json:"data"`
}

// TransformRequest is a pipeline recipe.
type TransformRequest = pipeline.Recipe

type StageResult struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Source      string `json:"source"`
	SourceState string `json:"source_state"`
	Output      string `json:"output"`
	OutputState string `json:"output_state"`
	ElapsedMS   int64  `json:"elapsed_ms"`
	NoOp        bool   `json:"noop,omitempty"`
	SourceBytes int64  `json:"source_bytes"`
	OutputBytes int64  `json:"output_bytes"`
	Detail      string `json:"detail,omitempty"`
}

type TransformResponse struct {
	Object string        `json:"object"`
	Stages []StageResult `json:"stages"`
	// Error is set when a stage failed after earlier stages finished.
	Error *ErrorBody `json:"error,omitempty"`
}
