package pipeline

import (
	"context"
	stderrors "errors"
	"strings"
	"sync"
	"testing"

	"crm-pipeline/internal/common/config"
	"crm-pipeline/internal/common/errors"
	"crm-pipeline/internal/common/logger"
	"crm-pipeline/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingNudger struct {
	mu sync.Mutex
	n  int
}

func (c *countingNudger) Nudge() {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

func (c *countingNudger) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

// spyCache mirrors RedisBoardCache's versioning in memory.
type spyCache struct {
	mu          sync.Mutex
	board       *Board
	version     int64
	invalidated int
}

func (c *spyCache) Get(context.Context) (*Board, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.board, c.board != nil
}

func (c *spyCache) Version(context.Context) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version, true
}

func (c *spyCache) Set(_ context.Context, b *Board, version int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if version == c.version {
		c.board = b
	}
}

func (c *spyCache) Invalidate(context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.board = nil
	c.version++
	c.invalidated++
}

// blockingListRepo pauses ListApplications after its read until release is closed.
type blockingListRepo struct {
	*memRepo
	read    chan struct{}
	release chan struct{}
}

func (r *blockingListRepo) ListApplications(ctx context.Context) ([]models.Application, error) {
	apps, err := r.memRepo.ListApplications(ctx)
	close(r.read)
	<-r.release
	return apps, err
}

func testPipelineConfig() config.PipelineConfig {
	return config.PipelineConfig{
		TransitionPolicy: config.PolicyOpen,
		ActivityLimit:    100,
		WIPLimits:        map[string]int{"in_review": 2, "off_to_lender": 5},
	}
}

func newTestService(t *testing.T, repo Repository, cfg config.PipelineConfig, opts ...Option) *Service {
	return NewService(repo, cfg, logger.NewTestLogger(t), opts...)
}

func requireCode(t *testing.T, err error, code errors.ErrorCode) {
	t.Helper()
	var stdErr *errors.StandardError
	require.True(t, stderrors.As(err, &stdErr), "expected StandardError, got %v", err)
	assert.Equal(t, code, stdErr.Code)
}

// ==========================
// Move
// ==========================

func TestService_Move_AllValidPairs(t *testing.T) {
	for _, from := range models.AllStages {
		for _, to := range models.AllStages {
			if from == to {
				continue
			}
			t.Run(from.ID()+"->"+to.ID(), func(t *testing.T) {
				repo := newMemRepo()
				repo.seed("app-1", "Acme", 1000, from)
				svc := newTestService(t, repo, testPipelineConfig())

				resp, err := svc.Move(context.Background(), MoveRequest{ApplicationID: "app-1", ToStage: to.ID()})
				require.NoError(t, err)
				assert.True(t, resp.OK)
				assert.True(t, resp.Changed)
				assert.Equal(t, string(to), resp.Stage)

				app, err := repo.GetApplication(context.Background(), "app-1")
				require.NoError(t, err)
				assert.Equal(t, to, app.Stage)

				acts := repo.activityFor("app-1")
				require.Len(t, acts, 1)
				assert.Equal(t, string(from), acts[0].FromStage)
				assert.Equal(t, string(to), acts[0].ToStage)
				assert.Len(t, repo.outbox, 1)
			})
		}
	}
}

func TestService_Move_SameStageIsNoop(t *testing.T) {
	repo := newMemRepo()
	repo.seed("app-1", "Acme", 1000, models.StageInReview)
	nudger := &countingNudger{}
	cache := &spyCache{}
	svc := newTestService(t, repo, testPipelineConfig(), WithNudger(nudger), WithCache(cache))

	resp, err := svc.Move(context.Background(), MoveRequest{ApplicationID: "app-1", ToStage: "in review"})
	require.NoError(t, err)
	assert.Equal(t, &MoveResponse{OK: true, Changed: false, Stage: "In Review"}, resp)
	assert.Empty(t, repo.activityFor("app-1"))
	assert.Empty(t, repo.outbox)
	assert.Equal(t, 0, nudger.count())
	assert.Equal(t, 0, cache.invalidated)
}

func TestService_Move_UnknownApplication(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(t, repo, testPipelineConfig())

	_, err := svc.Move(context.Background(), MoveRequest{ApplicationID: "missing", ToStage: "Accepted"})
	requireCode(t, err, errors.ErrCodeApplicationNotFound)
	assert.Empty(t, repo.activity)
}

func TestService_Move_InvalidInput(t *testing.T) {
	repo := newMemRepo()
	repo.seed("app-1", "Acme", 1000, models.StageNew)
	svc := newTestService(t, repo, testPipelineConfig())

	tests := []struct {
		name string
		req  MoveRequest
		code errors.ErrorCode
	}{
		{"missing id", MoveRequest{ToStage: "Accepted"}, errors.ErrCodeMissingApplicationID},
		{"blank id", MoveRequest{ApplicationID: "   ", ToStage: "Accepted"}, errors.ErrCodeMissingApplicationID},
		{"unknown stage", MoveRequest{ApplicationID: "app-1", ToStage: "Funded"}, errors.ErrCodeInvalidStage},
		{"empty stage", MoveRequest{ApplicationID: "app-1"}, errors.ErrCodeInvalidStage},
		{"unknown expected stage", MoveRequest{ApplicationID: "app-1", ToStage: "Accepted", ExpectedStage: "Limbo"}, errors.ErrCodeInvalidStage},
		{"long unknown stage", MoveRequest{ApplicationID: "app-1", ToStage: strings.Repeat("Funded", 20)}, errors.ErrCodeInvalidStage},
		{"long unknown expected stage", MoveRequest{ApplicationID: "app-1", ToStage: "Accepted", ExpectedStage: strings.Repeat("x", 65)}, errors.ErrCodeInvalidStage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Move(context.Background(), tt.req)
			requireCode(t, err, tt.code)
		})
	}
	assert.Empty(t, repo.activity)
}

func TestService_Move_App2Scenario(t *testing.T) {
	repo := newMemRepo()
	repo.seed("app-1", "Blue Oak Dental", 50000, models.StageNew)
	repo.seed("app-2", "Harbor Logistics", 120000, models.StageRequiresDocs)
	svc := newTestService(t, repo, testPipelineConfig())
	ctx := context.Background()

	_, err := svc.Move(ctx, MoveRequest{ApplicationID: "app-1", ToStage: "In Review"})
	require.NoError(t, err)

	resp, err := svc.Move(ctx, MoveRequest{ApplicationID: "app-2", ToStage: "Off to Lender", Note: "docs received"})
	require.NoError(t, err)
	assert.Equal(t, "Off to Lender", resp.Stage)

	app, err := svc.GetApplication(ctx, "app-2")
	require.NoError(t, err)
	assert.Equal(t, models.StageOffToLender, app.Stage)

	acts, err := svc.Activity(ctx, "app-2", 0)
	require.NoError(t, err)
	require.NotEmpty(t, acts)
	assert.Equal(t, "Requires Docs", acts[0].FromStage)
	assert.Equal(t, "Off to Lender", acts[0].ToStage)
	assert.Equal(t, "docs received", acts[0].Note)

	all, err := svc.Activity(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "app-2", all[0].ApplicationID, "newest first across applications")
}

func TestService_Move_ExpectedStageConflict(t *testing.T) {
	repo := newMemRepo()
	repo.seed("app-1", "Acme", 1000, models.StageInReview)
	svc := newTestService(t, repo, testPipelineConfig())

	_, err := svc.Move(context.Background(), MoveRequest{ApplicationID: "app-1", ToStage: "Accepted", ExpectedStage: "new"})
	requireCode(t, err, errors.ErrCodeStageConflict)
	assert.Equal(t, "In Review", errors.Normalize(err).Metadata["currentStage"])
	assert.Empty(t, repo.activity)

	resp, err := svc.Move(context.Background(), MoveRequest{ApplicationID: "app-1", ToStage: "Accepted", ExpectedStage: "in_review"})
	require.NoError(t, err)
	assert.True(t, resp.Changed)
}

func TestService_Move_StrictPolicy(t *testing.T) {
	repo := newMemRepo()
	repo.seed("app-1", "Acme", 1000, models.StageAccepted)
	cfg := testPipelineConfig()
	cfg.TransitionPolicy = config.PolicyStrict
	svc := newTestService(t, repo, cfg)

	_, err := svc.Move(context.Background(), MoveRequest{ApplicationID: "app-1", ToStage: "Denied"})
	requireCode(t, err, errors.ErrCodeInvalidTransition)
	assert.Contains(t, errors.Normalize(err).Details, "from: Accepted")
	assert.Empty(t, repo.activity)

	// reopening a closed application is still allowed
	_, err = svc.Move(context.Background(), MoveRequest{ApplicationID: "app-1", ToStage: "In Review"})
	assert.NoError(t, err)
}

func TestService_Move_InvalidatesCacheAndNudges(t *testing.T) {
	repo := newMemRepo()
	repo.seed("app-1", "Acme", 1000, models.StageNew)
	nudger := &countingNudger{}
	cache := &spyCache{}
	svc := newTestService(t, repo, testPipelineConfig(), WithNudger(nudger), WithCache(cache))
	ctx := context.Background()

	board, err := svc.Board(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, board.Column(models.StageNew).Count)
	require.NotNil(t, cache.board)

	_, err = svc.Move(ctx, MoveRequest{ApplicationID: "app-1", ToStage: "Denied"})
	require.NoError(t, err)
	assert.Equal(t, 1, cache.invalidated)
	assert.Equal(t, 1, nudger.count())

	board, err = svc.Board(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, board.Column(models.StageNew).Count)
	assert.Equal(t, 1, board.Column(models.StageDenied).Count)
}

func TestService_Board_MoveDuringQueryDoesNotCacheStaleBoard(t *testing.T) {
	base := newMemRepo()
	base.seed("app-2", "Harbor Freight", 120000, models.StageRequiresDocs)
	repo := &blockingListRepo{memRepo: base, read: make(chan struct{}), release: make(chan struct{})}
	cache := &spyCache{}
	svc := newTestService(t, repo, testPipelineConfig(), WithCache(cache))
	ctx := context.Background()

	done := make(chan *Board)
	go func() {
		b, err := svc.Board(ctx)
		assert.NoError(t, err)
		done <- b
	}()

	<-repo.read
	_, err := svc.Move(ctx, MoveRequest{ApplicationID: "app-2", ToStage: "Off to Lender"})
	require.NoError(t, err)
	close(repo.release)

	// the in-flight reader still sees its own snapshot
	stale := <-done
	assert.Equal(t, 1, stale.Column(models.StageRequiresDocs).Count)

	// but that snapshot was not written back
	cached, ok := cache.Get(ctx)
	assert.False(t, ok)
	assert.Nil(t, cached)

	repo.read = make(chan struct{})
	repo.release = make(chan struct{})
	close(repo.release)
	board, err := svc.Board(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, board.Column(models.StageRequiresDocs).Count)
	assert.Equal(t, 1, board.Column(models.StageOffToLender).Count)
}

func TestService_Move_StoreFailureIsInternal(t *testing.T) {
	repo := newMemRepo()
	repo.failWith = stderrors.New("connection reset by peer")
	svc := newTestService(t, repo, testPipelineConfig())

	_, err := svc.Move(context.Background(), MoveRequest{ApplicationID: "app-1", ToStage: "New"})
	requireCode(t, err, errors.ErrCodeQueryExecutionFailed)

	repo.failWith = context.DeadlineExceeded
	_, err = svc.Move(context.Background(), MoveRequest{ApplicationID: "app-1", ToStage: "New"})
	requireCode(t, err, errors.ErrCodeQueryTimeout)
}

func TestService_Move_ConcurrentMovesKeepAuditConsistent(t *testing.T) {
	repo := newMemRepo()
	repo.seed("app-1", "Acme", 1000, models.StageNew)
	svc := newTestService(t, repo, testPipelineConfig())

	targets := []string{"in_review", "requires_docs", "off_to_lender", "accepted", "denied", "new"}
	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = svc.Move(context.Background(), MoveRequest{ApplicationID: "app-1", ToStage: targets[i%len(targets)]})
		}(i)
	}
	wg.Wait()

	acts := repo.activityFor("app-1")
	for i := 1; i < len(acts); i++ {
		assert.Equal(t, acts[i-1].ToStage, acts[i].FromStage, "activity chain must be contiguous")
	}
	app, _ := repo.GetApplication(context.Background(), "app-1")
	if len(acts) > 0 {
		assert.Equal(t, acts[len(acts)-1].ToStage, string(app.Stage))
	}
}

// ==========================
// Queries
// ==========================

func TestService_Metrics_ThreeStages(t *testing.T) {
	repo := newMemRepo()
	repo.seed("app-1", "A", 10000, models.StageNew)
	repo.seed("app-2", "B", 20000, models.StageRequiresDocs)
	repo.seed("app-3", "C", 30000, models.StageAccepted)
	svc := newTestService(t, repo, testPipelineConfig())

	m, err := svc.Metrics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, m.Total)
	assert.Equal(t, 60000.0, m.TotalAmount)
	require.Len(t, m.Stages, len(models.AllStages))

	sum := 0
	for _, s := range m.Stages {
		sum += s.Count
	}
	assert.Equal(t, 3, sum)
	assert.Equal(t, StageMetric{Stage: "Requires Docs", Count: 1, Amount: 20000}, m.Stages[2])
	assert.Equal(t, 0, m.Stages[1].Count)
}

func TestService_Activity_LimitIsCapped(t *testing.T) {
	repo := newMemRepo()
	repo.seed("app-1", "Acme", 1000, models.StageNew)
	cfg := testPipelineConfig()
	cfg.ActivityLimit = 3
	svc := newTestService(t, repo, cfg)
	ctx := context.Background()

	for _, s := range []string{"in_review", "requires_docs", "off_to_lender", "accepted", "denied"} {
		_, err := svc.Move(ctx, MoveRequest{ApplicationID: "app-1", ToStage: s})
		require.NoError(t, err)
	}

	acts, err := svc.Activity(ctx, "app-1", 500)
	require.NoError(t, err)
	assert.Len(t, acts, 3)
	assert.Equal(t, "Denied", acts[0].ToStage)

	acts, err = svc.Activity(ctx, "app-1", 2)
	require.NoError(t, err)
	assert.Len(t, acts, 2)
}

func TestService_Activity_UnsetLimitFallsBackToDefault(t *testing.T) {
	repo := newMemRepo()
	repo.seed("app-1", "Acme", 1000, models.StageNew)
	cfg := testPipelineConfig()
	cfg.ActivityLimit = 0
	svc := newTestService(t, repo, cfg)
	ctx := context.Background()

	for _, s := range []string{"in_review", "requires_docs", "off_to_lender"} {
		_, err := svc.Move(ctx, MoveRequest{ApplicationID: "app-1", ToStage: s})
		require.NoError(t, err)
	}

	acts, err := svc.Activity(ctx, "app-1", 0)
	require.NoError(t, err)
	assert.Len(t, acts, 3)

	acts, err = svc.Activity(ctx, "", 2)
	require.NoError(t, err)
	assert.Len(t, acts, 2)

	for i := 0; i < defaultActivityLimit; i++ {
		to := "new"
		if i%2 == 0 {
			to = "in_review"
		}
		_, err := svc.Move(ctx, MoveRequest{ApplicationID: "app-1", ToStage: to})
		require.NoError(t, err)
	}
	acts, err = svc.Activity(ctx, "app-1", 1000)
	require.NoError(t, err)
	assert.Len(t, acts, defaultActivityLimit)
}

func TestService_Settings(t *testing.T) {
	svc := newTestService(t, newMemRepo(), testPipelineConfig())

	s := svc.Settings()
	require.Len(t, s.Stages, 6)
	assert.Equal(t, StageInfo{ID: "off_to_lender", Label: "Off to Lender"}, s.Stages[3])
	assert.Equal(t, 2, s.WIPLimits["In Review"])
	assert.Equal(t, 5, s.WIPLimits["Off to Lender"])
	assert.Equal(t, 0, s.WIPLimits["New"])
	assert.Equal(t, "open", s.TransitionPolicy)
}

func TestService_Board_StoreFailure(t *testing.T) {
	repo := newMemRepo()
	repo.failWith = stderrors.New("boom")
	svc := newTestService(t, repo, testPipelineConfig())

	_, err := svc.Board(context.Background())
	requireCode(t, err, errors.ErrCodeQueryExecutionFailed)
}

// ==========================
// Intake
// ==========================

func TestService_CreateApplication(t *testing.T) {
	repo := newMemRepo()
	nudger := &countingNudger{}
	svc := newTestService(t, repo, testPipelineConfig(), WithNudger(nudger))
	ctx := context.Background()

	app, err := svc.CreateApplication(ctx, models.NewApplication{
		BusinessName: "  Maple Street Cafe ", RequestedAmount: 45000,
		ContactName: "Rae", ContactEmail: "rae@maple.example.com", Actor: "intake-form",
	})
	require.NoError(t, err)
	assert.Equal(t, "Maple Street Cafe", app.BusinessName)
	assert.Equal(t, models.StageNew, app.Stage)
	assert.Equal(t, 1, nudger.count())

	acts := repo.activityFor(app.ID)
	require.Len(t, acts, 1)
	assert.Equal(t, "", acts[0].FromStage)
	assert.Equal(t, "New", acts[0].ToStage)

	_, err = svc.CreateApplication(ctx, models.NewApplication{
		BusinessName: "Maple Street Cafe", RequestedAmount: 1, ContactEmail: "rae@maple.example.com",
	})
	requireCode(t, err, errors.ErrCodeDuplicateApplication)
}

func TestService_CreateApplication_Validation(t *testing.T) {
	svc := newTestService(t, newMemRepo(), testPipelineConfig())

	tests := []struct {
		name string
		in   models.NewApplication
		want string
	}{
		{"blank name", models.NewApplication{BusinessName: " ", RequestedAmount: 1}, "businessName"},
		{"negative amount", models.NewApplication{BusinessName: "A", RequestedAmount: -1}, "requestedAmount"},
		{"bad email", models.NewApplication{BusinessName: "A", ContactEmail: "nope"}, "contactEmail"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.CreateApplication(context.Background(), tt.in)
			requireCode(t, err, errors.ErrCodeValidationFailed)
			assert.Contains(t, errors.Normalize(err).Details, tt.want)
		})
	}
}

func TestService_GetApplication_NotFound(t *testing.T) {
	svc := newTestService(t, newMemRepo(), testPipelineConfig())

	_, err := svc.GetApplication(context.Background(), "nope")
	requireCode(t, err, errors.ErrCodeApplicationNotFound)

	_, err = svc.GetApplication(context.Background(), "")
	requireCode(t, err, errors.ErrCodeMissingApplicationID)
}

func TestTransitionPolicy_Allow(t *testing.T) {
	assert.True(t, PolicyOpen.Allow(models.StageAccepted, models.StageDenied))
	assert.False(t, PolicyStrict.Allow(models.StageAccepted, models.StageDenied))
	assert.False(t, PolicyStrict.Allow(models.StageDenied, models.StageAccepted))
	assert.True(t, PolicyStrict.Allow(models.StageDenied, models.StageInReview))
	assert.True(t, PolicyStrict.Allow(models.StageNew, models.StageAccepted))
}
