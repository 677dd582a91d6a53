package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"crm-pipeline/internal/common/config"
	"crm-pipeline/internal/common/errors"
	"crm-pipeline/internal/common/logger"
	"crm-pipeline/internal/models"
	"crm-pipeline/internal/pipeline"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockPipeline implements Pipeline with overridable funcs.
type mockPipeline struct {
	MoveFunc     func(ctx context.Context, req pipeline.MoveRequest) (*pipeline.MoveResponse, error)
	BoardFunc    func(ctx context.Context) (*pipeline.Board, error)
	MetricsFunc  func(ctx context.Context) (*pipeline.Metrics, error)
	ActivityFunc func(ctx context.Context, applicationID string, limit int) ([]models.PipelineActivity, error)
	CreateFunc   func(ctx context.Context, in models.NewApplication) (*models.Application, error)
	GetFunc      func(ctx context.Context, id string) (*models.Application, error)
	moveCalls    int
}

func (m *mockPipeline) Move(ctx context.Context, req pipeline.MoveRequest) (*pipeline.MoveResponse, error) {
	m.moveCalls++
	if m.MoveFunc != nil {
		return m.MoveFunc(ctx, req)
	}
	return &pipeline.MoveResponse{OK: true, Changed: true, Stage: req.ToStage}, nil
}

func (m *mockPipeline) Board(ctx context.Context) (*pipeline.Board, error) {
	if m.BoardFunc != nil {
		return m.BoardFunc(ctx)
	}
	b, _ := pipeline.BuildBoard(nil, nil)
	return b, nil
}

func (m *mockPipeline) Metrics(ctx context.Context) (*pipeline.Metrics, error) {
	if m.MetricsFunc != nil {
		return m.MetricsFunc(ctx)
	}
	return pipeline.BuildMetrics(nil), nil
}

func (m *mockPipeline) Activity(ctx context.Context, applicationID string, limit int) ([]models.PipelineActivity, error) {
	if m.ActivityFunc != nil {
		return m.ActivityFunc(ctx, applicationID, limit)
	}
	return []models.PipelineActivity{}, nil
}

func (m *mockPipeline) Settings() *pipeline.Settings {
	return &pipeline.Settings{
		Stages:           []pipeline.StageInfo{{ID: "new", Label: "New"}},
		WIPLimits:        map[string]int{"New": 0},
		TransitionPolicy: "open",
	}
}

func (m *mockPipeline) CreateApplication(ctx context.Context, in models.NewApplication) (*models.Application, error) {
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, in)
	}
	return &models.Application{ID: "app-new", BusinessName: in.BusinessName, RequestedAmount: in.RequestedAmount, Stage: models.StageNew}, nil
}

func (m *mockPipeline) GetApplication(ctx context.Context, id string) (*models.Application, error) {
	if m.GetFunc != nil {
		return m.GetFunc(ctx, id)
	}
	return nil, errors.NewApplicationNotFoundError(id)
}

type chanFeed struct {
	ch  chan string
	err error
}

func (f *chanFeed) Subscribe(context.Context) (<-chan string, error) {
	return f.ch, f.err
}

func setupTestServer(t *testing.T, p Pipeline, opts ...Option) *Server {
	gin.SetMode(gin.TestMode)
	return NewServer(config.ServerConfig{RequestTimeout: 5000}, p, &chanFeed{ch: make(chan string)}, logger.NewTestLogger(t), opts...)
}

func doJSON(t *testing.T, s *Server, method, path string, body interface{}, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var body errorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

// ==========================
// Move
// ==========================

func TestHandleMove_Success(t *testing.T) {
	mock := &mockPipeline{
		MoveFunc: func(_ context.Context, req pipeline.MoveRequest) (*pipeline.MoveResponse, error) {
			assert.Equal(t, "app-2", req.ApplicationID)
			assert.Equal(t, "off_to_lender", req.ToStage)
			assert.Equal(t, "docs received", req.Note)
			assert.Equal(t, "ops@example.com", req.Actor)
			return &pipeline.MoveResponse{OK: true, Changed: true, Stage: "Off to Lender"}, nil
		},
	}
	s := setupTestServer(t, mock)

	w := doJSON(t, s, http.MethodPost, "/api/pipeline/move",
		map[string]string{"applicationId": "app-2", "toStage": "off_to_lender", "note": "docs received"},
		"X-Actor", "ops@example.com")

	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"ok":true,"changed":true,"stage":"Off to Lender"}`, w.Body.String())
}

func TestHandleMove_BodyActorWinsOverHeader(t *testing.T) {
	mock := &mockPipeline{
		MoveFunc: func(_ context.Context, req pipeline.MoveRequest) (*pipeline.MoveResponse, error) {
			assert.Equal(t, "bpmn", req.Actor)
			return &pipeline.MoveResponse{OK: true}, nil
		},
	}
	s := setupTestServer(t, mock)

	w := doJSON(t, s, http.MethodPost, "/api/pipeline/move",
		map[string]string{"applicationId": "app-1", "toStage": "New", "actor": "bpmn"}, "X-Actor", "someone")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandleMove_Errors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"missing id", errors.NewMissingApplicationIDError(), http.StatusBadRequest, "missing_applicationId"},
		{"invalid stage", errors.NewInvalidStageError("Funded"), http.StatusBadRequest, "invalid_stage"},
		{"not found", errors.NewApplicationNotFoundError("ghost"), http.StatusNotFound, "application_not_found"},
		{"conflict", errors.NewStageConflictError("app-1", "New", "Accepted"), http.StatusConflict, "stage_conflict"},
		{"transition", errors.NewInvalidTransitionError("Accepted", "Denied"), http.StatusConflict, "invalid_transition"},
		{"timeout", errors.NewQueryTimeoutError("pipeline", context.DeadlineExceeded), http.StatusGatewayTimeout, "query_timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := &mockPipeline{MoveFunc: func(context.Context, pipeline.MoveRequest) (*pipeline.MoveResponse, error) {
				return nil, tt.err
			}}
			s := setupTestServer(t, mock)

			w := doJSON(t, s, http.MethodPost, "/api/pipeline/move", map[string]string{"applicationId": "x", "toStage": "y"})
			assert.Equal(t, tt.wantStatus, w.Code)
			body := decodeError(t, w)
			assert.False(t, body.OK)
			assert.Equal(t, tt.wantCode, body.Error)
		})
	}
}

func TestHandleMove_ConflictCarriesCurrentStage(t *testing.T) {
	mock := &mockPipeline{MoveFunc: func(context.Context, pipeline.MoveRequest) (*pipeline.MoveResponse, error) {
		return nil, errors.NewStageConflictError("app-1", "New", "Accepted")
	}}
	s := setupTestServer(t, mock)

	w := doJSON(t, s, http.MethodPost, "/api/pipeline/move", map[string]string{"applicationId": "app-1", "toStage": "Denied", "expectedStage": "New"})
	body := decodeError(t, w)
	assert.Equal(t, "Accepted", body.CurrentStage)
	assert.NotEmpty(t, body.Details)
}

func TestHandleMove_InternalErrorIsGeneric(t *testing.T) {
	mock := &mockPipeline{MoveFunc: func(context.Context, pipeline.MoveRequest) (*pipeline.MoveResponse, error) {
		return nil, errors.NewQueryExecutionFailedError("pipeline", stderrors.New(`pq: relation "applications" does not exist`))
	}}
	s := setupTestServer(t, mock)

	w := doJSON(t, s, http.MethodPost, "/api/pipeline/move", map[string]string{"applicationId": "app-1", "toStage": "New"})
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	body := decodeError(t, w)
	assert.Equal(t, "Internal server error", body.Message)
	assert.Empty(t, body.Details)
	assert.NotContains(t, w.Body.String(), "relation")
}

func TestHandleMove_SchemaViolation(t *testing.T) {
	mock := &mockPipeline{}
	s := setupTestServer(t, mock)

	w := doJSON(t, s, http.MethodPost, "/api/pipeline/move", `{"applicationId": "app-1", "toStage": 3}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "validation_failed", decodeError(t, w).Error)

	w = doJSON(t, s, http.MethodPost, "/api/pipeline/move", `not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, 0, mock.moveCalls)
}

func TestHandleMove_LongUnknownStageIsInvalidStage(t *testing.T) {
	long := strings.Repeat("Funded", 20)
	mock := &mockPipeline{MoveFunc: func(_ context.Context, req pipeline.MoveRequest) (*pipeline.MoveResponse, error) {
		if _, ok := models.ParseStage(req.ToStage); !ok {
			return nil, errors.NewInvalidStageError(req.ToStage)
		}
		return &pipeline.MoveResponse{OK: true}, nil
	}}
	s := setupTestServer(t, mock)

	w := doJSON(t, s, http.MethodPost, "/api/pipeline/move", map[string]string{"applicationId": "app-1", "toStage": long})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_stage", decodeError(t, w).Error)
	assert.Equal(t, 1, mock.moveCalls, "stage names reach the stage parser regardless of length")
}

// ==========================
// Queries
// ==========================

func TestHandleBoard(t *testing.T) {
	mock := &mockPipeline{BoardFunc: func(context.Context) (*pipeline.Board, error) {
		b, _ := pipeline.BuildBoard([]models.Application{
			{ID: "app-1", BusinessName: "Blue Oak Dental", RequestedAmount: 50000, Stage: models.StageNew},
		}, map[string]int{"new": 3})
		return b, nil
	}}
	s := setupTestServer(t, mock)

	w := doJSON(t, s, http.MethodGet, "/api/pipeline", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var board pipeline.Board
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &board))
	require.Len(t, board.Columns, 6)
	assert.Equal(t, "new", board.Columns[0].ID)
	assert.Equal(t, 3, board.Columns[0].WIPLimit)
	assert.Equal(t, "Blue Oak Dental", board.Columns[0].Items[0].Title)
}

func TestHandleActivity(t *testing.T) {
	mock := &mockPipeline{ActivityFunc: func(_ context.Context, appID string, limit int) ([]models.PipelineActivity, error) {
		assert.Equal(t, "app-2", appID)
		assert.Equal(t, 5, limit)
		return []models.PipelineActivity{{ID: "a-1", ApplicationID: "app-2", FromStage: "Requires Docs", ToStage: "Off to Lender"}}, nil
	}}
	s := setupTestServer(t, mock)

	w := doJSON(t, s, http.MethodGet, "/api/pipeline/activity?applicationId=app-2&limit=5", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var items []map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &items))
	require.Len(t, items, 1)
	assert.Equal(t, "Requires Docs", items[0]["from_stage"])
	assert.Equal(t, "Off to Lender", items[0]["to_stage"])

	w = doJSON(t, s, http.MethodGet, "/api/pipeline/activity?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleMetricsAndConfig(t *testing.T) {
	s := setupTestServer(t, &mockPipeline{})

	w := doJSON(t, s, http.MethodGet, "/api/pipeline/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var m pipeline.Metrics
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &m))
	assert.Len(t, m.Stages, 6)

	w = doJSON(t, s, http.MethodGet, "/api/pipeline/config", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"stages":[{"id":"new","label":"New"}],"wipLimits":{"New":0},"transitionPolicy":"open"}`, w.Body.String())
}

// ==========================
// Applications
// ==========================

func TestHandleCreateApplication(t *testing.T) {
	mock := &mockPipeline{CreateFunc: func(_ context.Context, in models.NewApplication) (*models.Application, error) {
		assert.Equal(t, "intake-form", in.Actor)
		return &models.Application{ID: "app-9", BusinessName: in.BusinessName, RequestedAmount: in.RequestedAmount, Stage: models.StageNew}, nil
	}}
	s := setupTestServer(t, mock)

	w := doJSON(t, s, http.MethodPost, "/api/applications",
		map[string]interface{}{"businessName": "Maple Street Cafe", "requestedAmount": 45000}, "X-Actor", "intake-form")
	require.Equal(t, http.StatusCreated, w.Code)

	var app models.Application
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &app))
	assert.Equal(t, "app-9", app.ID)
	assert.Equal(t, models.StageNew, app.Stage)
}

func TestHandleCreateApplication_Validation(t *testing.T) {
	s := setupTestServer(t, &mockPipeline{})

	w := doJSON(t, s, http.MethodPost, "/api/applications", map[string]interface{}{"requestedAmount": -5})
	require.Equal(t, http.StatusBadRequest, w.Code)
	body := decodeError(t, w)
	assert.Equal(t, "validation_failed", body.Error)
	joined := strings.Join(body.Details, "\n")
	assert.Contains(t, joined, "businessName")
	assert.Contains(t, joined, "requestedAmount")
}

func TestHandleCreateApplication_Duplicate(t *testing.T) {
	mock := &mockPipeline{CreateFunc: func(context.Context, models.NewApplication) (*models.Application, error) {
		return nil, errors.NewDuplicateApplicationError("Maple Street Cafe")
	}}
	s := setupTestServer(t, mock)

	w := doJSON(t, s, http.MethodPost, "/api/applications", map[string]interface{}{"businessName": "Maple Street Cafe", "requestedAmount": 1})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "duplicate_application", decodeError(t, w).Error)
}

func TestHandleGetApplication(t *testing.T) {
	mock := &mockPipeline{GetFunc: func(_ context.Context, id string) (*models.Application, error) {
		if id == "app-1" {
			return &models.Application{ID: "app-1", Stage: models.StageInReview}, nil
		}
		return nil, errors.NewApplicationNotFoundError(id)
	}}
	s := setupTestServer(t, mock)

	w := doJSON(t, s, http.MethodGet, "/api/applications/app-1", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, s, http.MethodGet, "/api/applications/ghost", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// ==========================
// Operational endpoints
// ==========================

func TestHealthReadyAndMetrics(t *testing.T) {
	healthy := true
	s := setupTestServer(t, &mockPipeline{},
		WithReadinessCheck("postgres", func(context.Context) error { return nil }),
		WithReadinessCheck("redis", func(context.Context) error {
			if healthy {
				return nil
			}
			return stderrors.New("dial tcp: connection refused")
		}),
	)

	w := doJSON(t, s, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, s, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	healthy = false
	w = doJSON(t, s, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), `"redis":"down"`)
	assert.NotContains(t, w.Body.String(), "connection refused")

	w = doJSON(t, s, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "http_requests_total")
}

func TestRecoveryReturnsInternalError(t *testing.T) {
	mock := &mockPipeline{BoardFunc: func(context.Context) (*pipeline.Board, error) { panic("nil map") }}
	s := setupTestServer(t, mock)

	w := doJSON(t, s, http.MethodGet, "/api/pipeline", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "internal_error", decodeError(t, w).Error)
}

// ==========================
// Event stream
// ==========================

func TestHandleEvents_StreamsBroadcasts(t *testing.T) {
	gin.SetMode(gin.TestMode)
	feed := &chanFeed{ch: make(chan string, 1)}
	s := NewServer(config.ServerConfig{}, &mockPipeline{}, feed, logger.NewTestLogger(t), WithHeartbeat(50*time.Millisecond))

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/pipeline/events", nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := make(chan string, 32)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	waitFor := func(want string) {
		t.Helper()
		deadline := time.After(2 * time.Second)
		for {
			select {
			case l, ok := <-lines:
				if !ok {
					t.Fatalf("stream closed before %q", want)
				}
				if l == want {
					return
				}
			case <-deadline:
				t.Fatalf("timed out waiting for %q", want)
			}
		}
	}

	waitFor("event: connected")
	feed.ch <- "pipeline.changed"
	waitFor("event: pipeline.changed")
	waitFor(": ping")
}

func TestHandleEvents_SubscribeFailure(t *testing.T) {
	gin.SetMode(gin.TestMode)
	feed := &chanFeed{err: stderrors.New("redis down")}
	s := NewServer(config.ServerConfig{}, &mockPipeline{}, feed, logger.NewTestLogger(t))

	w := doJSON(t, s, http.MethodGet, "/api/pipeline/events", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
