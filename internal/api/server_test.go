package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/slimline/internal/pipeline"
	"github.com/samcharles93/slimline/internal/toy"
)

type memRecorder struct {
	mu      sync.Mutex
	results []pipeline.Result
}

func (r *memRecorder) Record(_ context.Context, res pipeline.Result) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res)
	return nil
}

// newTestEcho serves a models directory holding one toy model named "base".
func newTestEcho(t *testing.T, cfg ServerConfig) (*echo.Echo, string) {
	t.Helper()
	dir := t.TempDir()
	if _, err := toy.Write(filepath.Join(dir, "base"), toy.Options{}); err != nil {
		t.Fatalf("write toy model: %v", err)
	}
	provider := NewCachedRunnerProvider(RunnerProviderConfig{ModelsPath: dir, SeqLen: 16})
	if cfg.BaseDir == "" {
		cfg.BaseDir = dir
	}
	server := NewServer(provider, cfg)
	e := echo.New()
	server.Register(e)
	return e, dir
}

func doJSON(t *testing.T, e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode body: %v (%s)", err, rec.Body.String())
	}
	return out
}

func errorType(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	return decodeBody[struct {
		Error ErrorBody `json:"error"`
	}](t, rec).Error.Type
}

func TestHealth(t *testing.T) {
	t.Parallel()
	e, _ := newTestEcho(t, ServerConfig{Version: "v1.2.3"})
	rec := doJSON(t, e, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d", rec.Code)
	}
	if got := decodeBody[HealthResponse](t, rec); got.Status != "ok" || got.Version != "v1.2.3" {
		t.Fatalf("unexpected health: %+v", got)
	}
}

func TestListModels(t *testing.T) {
	t.Parallel()
	e, dir := newTestEcho(t, ServerConfig{})
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	rec := doJSON(t, e, http.MethodGet, "/v1/models", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d body=%s", rec.Code, rec.Body.String())
	}
	list := decodeBody[ModelList](t, rec)
	if len(list.Data) != 1 {
		t.Fatalf("models: got %+v", list.Data)
	}
	m := list.Data[0]
	if m.ID != "base" || m.Format != "native" || m.State != "native-f32" {
		t.Fatalf("unexpected model: %+v", m)
	}
	if len(m.HeadCount) != 2 || m.HeadCount[0] != 4 {
		t.Fatalf("head count: got %v", m.HeadCount)
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()
	e, _ := newTestEcho(t, ServerConfig{})

	rec := doJSON(t, e, http.MethodPost, "/v1/classify", `{"model":"base","input":["it was great !","i hated it"],"logits":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d body=%s", rec.Code, rec.Body.String())
	}
	resp := decodeBody[ClassifyResponse](t, rec)
	if !strings.HasPrefix(resp.ID, "cls_") || resp.SeqLen != 16 || resp.State != "native-f32" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if len(resp.Data) != 2 {
		t.Fatalf("data: got %d rows", len(resp.Data))
	}
	for i, d := range resp.Data {
		if d.Index != i || len(d.Logits) != 2 || d.Score < 0.5 || d.Score > 1 {
			t.Fatalf("row %d: %+v", i, d)
		}
	}

	// A single string input and the only model as default.
	rec = doJSON(t, e, http.MethodPost, "/v1/classify", `{"input":"i loved the film"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d body=%s", rec.Code, rec.Body.String())
	}
	if resp := decodeBody[ClassifyResponse](t, rec); len(resp.Data) != 1 || resp.Data[0].Logits != nil {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestClassifyErrors(t *testing.T) {
	t.Parallel()
	e, _ := newTestEcho(t, ServerConfig{})

	cases := []struct {
		name, body string
		status     int
		errType    string
	}{
		{"bad json", `{"input":`, http.StatusBadRequest, "invalid_request_error"},
		{"unknown field", `{"input":"x","temperature":1}`, http.StatusBadRequest, "invalid_request_error"},
		{"missing input", `{"model":"base"}`, http.StatusBadRequest, "invalid_request_error"},
		{"number input", `{"input":3}`, http.StatusBadRequest, "invalid_request_error"},
		{"mixed input", `{"input":["a",2]}`, http.StatusBadRequest, "invalid_request_error"},
		{"unknown model", `{"model":"missing","input":"x"}`, http.StatusNotFound, "not_found_error"},
	}
	for _, tc := range cases {
		rec := doJSON(t, e, http.MethodPost, "/v1/classify", tc.body)
		if rec.Code != tc.status {
			t.Fatalf("%s: status got %d want %d body=%s", tc.name, rec.Code, tc.status, rec.Body.String())
		}
		if got := errorType(t, rec); got != tc.errType {
			t.Fatalf("%s: error type got %q want %q", tc.name, got, tc.errType)
		}
	}
}

func TestTransformDisabled(t *testing.T) {
	t.Parallel()
	e, _ := newTestEcho(t, ServerConfig{})
	rec := doJSON(t, e, http.MethodPost, "/v1/transform", `{"model":"base","stages":[{"prune":{"fraction":0.5,"output":"p"}}]}`)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status: got %d body=%s", rec.Code, rec.Body.String())
	}
}

func TestTransform(t *testing.T) {
	t.Parallel()
	rec := &memRecorder{}
	e, dir := newTestEcho(t, ServerConfig{AllowTransform: true, Recorder: rec})

	body := `{"model":"base","stages":[{"prune":{"fraction":0.5,"seed":3,"output":"base-pruned"}}]}`
	res := doJSON(t, e, http.MethodPost, "/v1/transform", body)
	if res.Code != http.StatusOK {
		t.Fatalf("status: got %d body=%s", res.Code, res.Body.String())
	}
	resp := decodeBody[TransformResponse](t, res)
	if len(resp.Stages) != 1 {
		t.Fatalf("stages: got %+v", resp.Stages)
	}
	st := resp.Stages[0]
	if st.Kind != "prune" || st.Output != filepath.Join(dir, "base-pruned") || st.OutputState != "native-f32" {
		t.Fatalf("unexpected stage: %+v", st)
	}
	if len(rec.results) != 1 || rec.results[0].ID.String() != st.ID {
		t.Fatalf("recorder got %+v", rec.results)
	}

	// The pruned model is now listed and servable.
	list := decodeBody[ModelList](t, doJSON(t, e, http.MethodGet, "/v1/models", ""))
	if len(list.Data) != 2 {
		t.Fatalf("models after transform: %+v", list.Data)
	}
	cls := doJSON(t, e, http.MethodPost, "/v1/classify", `{"model":"base-pruned","input":"ok"}`)
	if cls.Code != http.StatusOK {
		t.Fatalf("classify pruned: got %d body=%s", cls.Code, cls.Body.String())
	}

	// Running again without overwrite conflicts with the existing output.
	again := doJSON(t, e, http.MethodPost, "/v1/transform", body)
	if again.Code != http.StatusConflict {
		t.Fatalf("rerun status: got %d body=%s", again.Code, again.Body.String())
	}
}

func TestTransformRejectsInvalidPlans(t *testing.T) {
	t.Parallel()
	e, _ := newTestEcho(t, ServerConfig{AllowTransform: true})

	cases := []struct {
		name, body string
		status     int
	}{
		{"fraction", `{"model":"base","stages":[{"prune":{"fraction":1.5,"output":"p"}}]}`, http.StatusBadRequest},
		{"method", `{"model":"base","stages":[{"export":{"method":"tflite","output":"g"}}]}`, http.StatusBadRequest},
		{"no output", `{"model":"base","stages":[{"prune":{"fraction":0.5}}]}`, http.StatusBadRequest},
		{"missing model", `{"model":"nowhere","stages":[{"prune":{"fraction":0.5,"output":"p"}}]}`, http.StatusNotFound},
		{"order", `{"model":"base","stages":[{"quantize":{"backend":"native","output":"q"}},{"prune":{"fraction":0.5,"output":"p"}}]}`, http.StatusUnprocessableEntity},
	}
	for _, tc := range cases {
		rec := doJSON(t, e, http.MethodPost, "/v1/transform", tc.body)
		if rec.Code != tc.status {
			t.Fatalf("%s: status got %d want %d body=%s", tc.name, rec.Code, tc.status, rec.Body.String())
		}
	}
}
