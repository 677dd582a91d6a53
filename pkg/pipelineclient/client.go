// pkg/pipelineclient/client.go
package pipelineclient

import (
	"bufio"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	commonhttp "crm-pipeline/internal/common/http"
	"crm-pipeline/internal/common/logger"
	"crm-pipeline/internal/models"
	"crm-pipeline/internal/pipeline"
)

// ErrWIPLimit is returned by Move when the target column is full on the
// cached board. The server does not enforce WIP limits.
var ErrWIPLimit = stderrors.New("wip limit reached")

type ToastLevel string

const (
	ToastSuccess ToastLevel = "success"
	ToastInfo    ToastLevel = "info"
	ToastWarning ToastLevel = "warning"
	ToastError   ToastLevel = "error"
)

// Toast is the user-facing outcome of a move.
type Toast struct {
	Level   ToastLevel `json:"level"`
	Message string     `json:"message"`
}

// APIError is the decoded error envelope of a failed request.
type APIError struct {
	Status       int      `json:"-"`
	Code         string   `json:"error"`
	Message      string   `json:"message"`
	Details      []string `json:"details"`
	CurrentStage string   `json:"currentStage,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Message)
}

// Client talks to the pipeline API and keeps a board snapshot that is
// reused until a move or a change broadcast invalidates it.
type Client struct {
	baseURL string
	http    *commonhttp.Client
	stream  *commonhttp.Client
	actor   string
	logger  logger.Logger

	mu    sync.Mutex
	board *pipeline.Board
	// generation counts invalidations; a fetch started under an older
	// generation is returned but not cached.
	generation uint64
}

type Option func(*Client)

func WithActor(actor string) Option { return func(c *Client) { c.actor = actor } }

func WithLogger(log logger.Logger) Option { return func(c *Client) { c.logger = log } }

// WithTimeout sets the per-request timeout. It does not apply to Watch.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http = commonhttp.NewClient(d) }
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    commonhttp.NewClient(10 * time.Second),
		stream:  commonhttp.NewClient(0),
		logger:  logger.NewNoOpLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Board returns the cached board, fetching it when none is cached.
func (c *Client) Board(ctx context.Context) (*pipeline.Board, error) {
	c.mu.Lock()
	cached, generation := c.board, c.generation
	c.mu.Unlock()
	if cached != nil {
		return cached, nil
	}

	var board pipeline.Board
	if err := c.do(ctx, http.MethodGet, "/api/pipeline", nil, &board); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.generation == generation {
		c.board = &board
	}
	c.mu.Unlock()
	return &board, nil
}

// Invalidate drops the cached board.
func (c *Client) Invalidate() {
	c.mu.Lock()
	c.board = nil
	c.generation++
	c.mu.Unlock()
}

// Recompute rebuilds the column aggregates of the cached board from its
// items, after local edits to the board.
func (c *Client) Recompute() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.board != nil {
		c.board.Recompute()
	}
}

func (c *Client) Settings(ctx context.Context) (*pipeline.Settings, error) {
	var s pipeline.Settings
	if err := c.do(ctx, http.MethodGet, "/api/pipeline/config", nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *Client) Metrics(ctx context.Context) (*pipeline.Metrics, error) {
	var m pipeline.Metrics
	if err := c.do(ctx, http.MethodGet, "/api/pipeline/metrics", nil, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// Move checks the WIP limit of the target column on the cached board, then
// asks the server to move the application. The cached board is dropped
// whenever the server was reached.
func (c *Client) Move(ctx context.Context, applicationID, toStage, note string) (Toast, error) {
	if to, ok := models.ParseStage(toStage); ok {
		if toast, err := c.checkWIP(ctx, applicationID, to); err != nil {
			return toast, err
		}
	}

	var resp pipeline.MoveResponse
	err := c.do(ctx, http.MethodPost, "/api/pipeline/move", pipeline.MoveRequest{
		ApplicationID: applicationID,
		ToStage:       toStage,
		Note:          note,
		Actor:         c.actor,
	}, &resp)

	var apiErr *APIError
	if err == nil || stderrors.As(err, &apiErr) {
		c.Invalidate()
	}
	if err != nil {
		return failureToast(err), err
	}

	if !resp.Changed {
		return Toast{Level: ToastInfo, Message: fmt.Sprintf("Already in %s", resp.Stage)}, nil
	}
	return Toast{Level: ToastSuccess, Message: fmt.Sprintf("Moved to %s", resp.Stage)}, nil
}

func (c *Client) checkWIP(ctx context.Context, applicationID string, to models.Stage) (Toast, error) {
	board, err := c.Board(ctx)
	if err != nil {
		// the guard is advisory; let the server decide
		c.logger.Warn("wip guard skipped", map[string]interface{}{"error": err})
		return Toast{}, nil
	}
	col := board.Column(to)
	if col == nil || col.WIPLimit <= 0 {
		return Toast{}, nil
	}
	for _, card := range col.Items {
		if card.ID == applicationID {
			return Toast{}, nil
		}
	}
	if col.Count >= col.WIPLimit {
		return Toast{
			Level:   ToastWarning,
			Message: fmt.Sprintf("%s is at its WIP limit (%d)", col.Label, col.WIPLimit),
		}, ErrWIPLimit
	}
	return Toast{}, nil
}

func failureToast(err error) Toast {
	var apiErr *APIError
	if !stderrors.As(err, &apiErr) {
		return Toast{Level: ToastError, Message: "Could not reach the pipeline service"}
	}
	switch apiErr.Code {
	case "stage_conflict":
		if apiErr.CurrentStage != "" {
			return Toast{Level: ToastWarning, Message: fmt.Sprintf("Someone else moved this application to %s", apiErr.CurrentStage)}
		}
		return Toast{Level: ToastWarning, Message: "Someone else moved this application"}
	case "application_not_found":
		return Toast{Level: ToastError, Message: "Application no longer exists"}
	case "invalid_stage":
		return Toast{Level: ToastError, Message: "Unknown stage"}
	case "invalid_transition":
		return Toast{Level: ToastWarning, Message: "That move is not allowed"}
	default:
		return Toast{Level: ToastError, Message: apiErr.Message}
	}
}

// Watch follows the change stream and drops the cached board on every
// change. It returns when ctx is done or the stream ends.
func (c *Client) Watch(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/pipeline/events", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.stream.DoWithContext(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &APIError{Status: resp.StatusCode, Code: "stream_unavailable", Message: resp.Status}
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if event, ok := strings.CutPrefix(line, "event: "); ok && event == "pipeline.changed" {
			c.Invalidate()
		}
	}
	if ctx.Err() != nil {
		return nil
	}
	return scanner.Err()
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	err := c.http.DoJSON(ctx, method, c.baseURL+path, in, out)
	var statusErr *commonhttp.StatusError
	if !stderrors.As(err, &statusErr) {
		return err
	}
	apiErr := &APIError{Status: statusErr.StatusCode}
	if jsonErr := json.Unmarshal(statusErr.Body, apiErr); jsonErr != nil || apiErr.Code == "" {
		apiErr.Code = "http_error"
		apiErr.Message = http.StatusText(statusErr.StatusCode)
	}
	return apiErr
}
