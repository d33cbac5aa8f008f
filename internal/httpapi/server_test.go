package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"modelhostd/internal/lifecycle"
	"modelhostd/internal/reclaim"
	"modelhostd/internal/selector"
	"modelhostd/pkg/types"
)

type stubService struct {
	loadErr error
	stopErr error
	ready   bool
	state   types.LifecycleState

	lastLoad    *types.ModelConfig
	lastCleanup *reclaim.Options
	forced      bool
}

func (s *stubService) Load(ctx context.Context, mc types.ModelConfig) error {
	s.lastLoad = &mc
	return s.loadErr
}

func (s *stubService) Stop(ctx context.Context, force bool) (types.CleanupOutcome, error) {
	s.forced = force
	if s.stopErr != nil {
		return types.CleanupOutcome{}, s.stopErr
	}
	return types.CleanupOutcome{Success: true, FreedRAMMB: 42}, nil
}

func (s *stubService) Status() types.LifecycleStatus {
	return types.LifecycleStatus{State: s.state, PID: 123}
}

func (s *stubService) Health() types.HealthSnapshot {
	return types.HealthSnapshot{Status: types.HealthHealthy}
}

func (s *stubService) SelectBackend(path string, prefs *selector.Preferences) types.BackendDecision {
	return types.BackendDecision{Backend: types.BackendLlamaCpp, Confidence: 0.8}
}

func (s *stubService) Cleanup(opts reclaim.Options) types.CleanupOutcome {
	s.lastCleanup = &opts
	return types.CleanupOutcome{Success: true}
}

func (s *stubService) ListModels() ([]types.Model, error) {
	return []types.Model{{ID: "a.gguf", Name: "a.gguf", Path: "/models/a.gguf"}}, nil
}

func (s *stubService) Ready() bool { return s.ready }

func doJSON(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestStatusEndpoint(t *testing.T) {
	svc := &stubService{state: types.StateRunning}
	rr := doJSON(t, NewMux(svc), http.MethodGet, "/status", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status code: got %d", rr.Code)
	}
	var st types.LifecycleStatus
	if err := json.Unmarshal(rr.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.State != types.StateRunning || st.PID != 123 {
		t.Fatalf("unexpected status: %+v", st)
	}
}

func TestLoadHappyPath(t *testing.T) {
	svc := &stubService{state: types.StateRunning}
	rr := doJSON(t, NewMux(svc), http.MethodPost, "/load",
		`{"name":"tiny","path":"/models/tiny.gguf","backend":"llamacpp","ready_timeout_sec":30}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("load: got %d, body %s", rr.Code, rr.Body.String())
	}
	if svc.lastLoad == nil || svc.lastLoad.Name != "tiny" || svc.lastLoad.Backend != types.BackendLlamaCpp {
		t.Fatalf("service received wrong config: %+v", svc.lastLoad)
	}
	if svc.lastLoad.ReadyTimeout.Seconds() != 30 {
		t.Fatalf("ready timeout: got %s", svc.lastLoad.ReadyTimeout)
	}
}

func TestLoadRejectsBadRequests(t *testing.T) {
	svc := &stubService{}
	mux := NewMux(svc)

	// Missing content type.
	req := httptest.NewRequest(http.MethodPost, "/load", strings.NewReader(`{}`))
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("missing content type: got %d", rr.Code)
	}

	if rr := doJSON(t, mux, http.MethodPost, "/load", `{not json`); rr.Code != http.StatusBadRequest {
		t.Fatalf("invalid json: got %d", rr.Code)
	}
	if rr := doJSON(t, mux, http.MethodPost, "/load", `{"path":"/x"}`); rr.Code != http.StatusBadRequest {
		t.Fatalf("missing name: got %d", rr.Code)
	}
}

func TestLoadErrorMapping(t *testing.T) {
	body := `{"name":"m","path":"/models/m.gguf"}`

	svc := &stubService{loadErr: lifecycle.ErrValidation("model path does not exist")}
	if rr := doJSON(t, NewMux(svc), http.MethodPost, "/load", body); rr.Code != http.StatusBadRequest {
		t.Fatalf("validation: got %d", rr.Code)
	}

	svc = &stubService{loadErr: &lifecycle.LaunchFailure{
		Cause:     context.DeadlineExceeded,
		Fallbacks: []types.BackendKind{types.BackendTransformers},
	}}
	rr := doJSON(t, NewMux(svc), http.MethodPost, "/load", body)
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("launch failure: got %d", rr.Code)
	}
	var er types.ErrorResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &er); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(er.Fallbacks) != 1 || er.Fallbacks[0] != types.BackendTransformers {
		t.Fatalf("error body must carry fallbacks, got %+v", er)
	}
}

func TestStopEndpoint(t *testing.T) {
	svc := &stubService{}
	rr := doJSON(t, NewMux(svc), http.MethodPost, "/stop", `{"force":true}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("stop: got %d", rr.Code)
	}
	if !svc.forced {
		t.Fatalf("force flag must reach the service")
	}
	var outcome types.CleanupOutcome
	if err := json.Unmarshal(rr.Body.Bytes(), &outcome); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !outcome.Success || outcome.FreedRAMMB != 42 {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
}

func TestSelectEndpoint(t *testing.T) {
	svc := &stubService{}
	mux := NewMux(svc)
	if rr := doJSON(t, mux, http.MethodGet, "/select", ""); rr.Code != http.StatusBadRequest {
		t.Fatalf("missing path: got %d", rr.Code)
	}
	rr := doJSON(t, mux, http.MethodGet, "/select?path=/models/a.gguf&backend=llamacpp", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("select: got %d", rr.Code)
	}
	var dec types.BackendDecision
	if err := json.Unmarshal(rr.Body.Bytes(), &dec); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if dec.Backend != types.BackendLlamaCpp {
		t.Fatalf("unexpected decision: %+v", dec)
	}
}

func TestCleanupEndpoint(t *testing.T) {
	svc := &stubService{}
	rr := doJSON(t, NewMux(svc), http.MethodPost, "/cleanup", `{"pid":77,"aggressive":true}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("cleanup: got %d", rr.Code)
	}
	if svc.lastCleanup == nil || svc.lastCleanup.PID != 77 || !svc.lastCleanup.Aggressive {
		t.Fatalf("service received wrong options: %+v", svc.lastCleanup)
	}
}

func TestModelsEndpoint(t *testing.T) {
	svc := &stubService{}
	rr := doJSON(t, NewMux(svc), http.MethodGet, "/models", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("models: got %d", rr.Code)
	}
	var mr types.ModelsResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &mr); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(mr.Models) != 1 || mr.Models[0].ID != "a.gguf" {
		t.Fatalf("unexpected models: %+v", mr)
	}
}

func TestHealthzAndReadyz(t *testing.T) {
	svc := &stubService{ready: false}
	mux := NewMux(svc)
	if rr := doJSON(t, mux, http.MethodGet, "/healthz", ""); rr.Code != http.StatusOK {
		t.Fatalf("healthz: got %d", rr.Code)
	}
	if rr := doJSON(t, mux, http.MethodGet, "/readyz", ""); rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz not ready: got %d", rr.Code)
	}
	svc.ready = true
	if rr := doJSON(t, mux, http.MethodGet, "/readyz", ""); rr.Code != http.StatusOK {
		t.Fatalf("readyz ready: got %d", rr.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	svc := &stubService{}
	mux := NewMux(svc)
	// Prime the counters; labels only exist after an observed request.
	doJSON(t, mux, http.MethodGet, "/status", "")
	rr := doJSON(t, mux, http.MethodGet, "/metrics", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("metrics: got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "modelhostd_http_requests_total") {
		t.Fatalf("metrics body must include http counters")
	}
}
