package workflows

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entomex/analysis-service/internal/computation"
	"github.com/entomex/analysis-service/internal/domain"
	"github.com/entomex/analysis-service/internal/repository"
	"github.com/entomex/analysis-service/internal/workflow"
)

// fakeAnalysisStore is an in-memory AnalysisRepository with the same
// transition semantics as the PostgreSQL implementation.
type fakeAnalysisStore struct {
	mu         sync.Mutex
	rows       map[string]*domain.AnalysisResult
	gets       int
	setCalls   int
	failOnCall int // 1-based SetStatus call index that fails once
	failErr    error
	getErr     error // when set, every GetByCaseID fails
}

func newFakeAnalysisStore() *fakeAnalysisStore {
	return &fakeAnalysisStore{rows: make(map[string]*domain.AnalysisResult)}
}

func (s *fakeAnalysisStore) seed(caseID string, status domain.AnalysisStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[caseID] = &domain.AnalysisResult{CaseID: caseID, Status: status}
}

func (s *fakeAnalysisStore) delete(caseID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, caseID)
}

func (s *fakeAnalysisStore) get(caseID string) *domain.AnalysisResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row, ok := s.rows[caseID]; ok {
		cp := *row
		return &cp
	}
	return nil
}

func (s *fakeAnalysisStore) GetByCaseID(_ context.Context, caseID string) (*domain.AnalysisResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gets++
	if s.getErr != nil {
		return nil, s.getErr
	}
	row, ok := s.rows[caseID]
	if !ok {
		return nil, domain.NewNotFoundError("analysis result", caseID)
	}
	cp := *row
	return &cp, nil
}

func (s *fakeAnalysisStore) SetStatus(_ context.Context, caseID string, status domain.AnalysisStatus, fields *repository.ResultFields) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setCalls++
	if s.failOnCall > 0 && s.setCalls == s.failOnCall {
		s.failOnCall = 0
		return s.failErr
	}
	row, ok := s.rows[caseID]
	if !ok {
		return domain.NewNotFoundError("analysis result", caseID)
	}
	if status != row.Status && !row.Status.CanTransitionTo(status) {
		return domain.NewValidationError("status", "illegal transition")
	}
	row.Status = status
	if fields != nil {
		row.TotalCounts = fields.TotalCounts
		row.OldestStageDetected = fields.OldestStageDetected
		row.StageUsedForCalculation = fields.StageUsedForCalculation
		row.PMIDays = fields.PMIDays
		row.PMIHours = fields.PMIHours
		row.PMIMinutes = fields.PMIMinutes
		row.PMISourceImageKey = fields.PMISourceImageKey
		row.TemperatureProvided = fields.TemperatureProvided
		row.CalculatedADH = fields.CalculatedADH
		row.LDTUsed = fields.LDTUsed
		row.Explanation = fields.Explanation
	}
	return nil
}

func (s *fakeAnalysisStore) SetExplanation(_ context.Context, caseID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[caseID]
	if !ok {
		return domain.NewNotFoundError("analysis result", caseID)
	}
	row.Explanation = &text
	return nil
}

type fakeCaseStore struct {
	mu    sync.Mutex
	cases map[string]*domain.Case
}

func newFakeCaseStore() *fakeCaseStore {
	return &fakeCaseStore{cases: make(map[string]*domain.Case)}
}

func (s *fakeCaseStore) seed(id, userID string, recalc bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cases[id] = &domain.Case{ID: id, UserID: userID, RecalculationNeeded: recalc}
}

func (s *fakeCaseStore) GetByID(_ context.Context, id string) (*domain.Case, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cases[id]
	if !ok {
		return nil, domain.NewNotFoundError("case", id)
	}
	cp := *c
	return &cp, nil
}

func (s *fakeCaseStore) ClearRecalculationNeeded(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cases[id]
	if !ok {
		return domain.NewNotFoundError("case", id)
	}
	c.RecalculationNeeded = false
	return nil
}

type fakeAuditStore struct {
	mu      sync.Mutex
	entries []*domain.AuditLogEntry
}

func (s *fakeAuditStore) Insert(_ context.Context, entry *domain.AuditLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *entry
	s.entries = append(s.entries, &cp)
	return nil
}

func (s *fakeAuditStore) all() []*domain.AuditLogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*domain.AuditLogEntry(nil), s.entries...)
}

// fakeComputation scripts the downstream computation service.
type fakeComputation struct {
	mu            sync.Mutex
	detectCalls   int
	recalcCalls   int
	detectResp    *computation.Response
	detectErr     error
	onDetect      func()
	onRecalculate func()
	recalcErr     error
}

func (f *fakeComputation) Detect(context.Context, string) (*computation.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detectCalls++
	if f.onDetect != nil {
		f.onDetect()
	}
	if f.detectErr != nil {
		return nil, f.detectErr
	}
	return f.detectResp, nil
}

func (f *fakeComputation) Recalculate(context.Context, string) (*computation.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recalcCalls++
	if f.onRecalculate != nil {
		f.onRecalculate()
	}
	if f.recalcErr != nil {
		return nil, f.recalcErr
	}
	return &computation.Response{}, nil
}

func (f *fakeComputation) calls() (detect, recalc int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.detectCalls, f.recalcCalls
}

func detectionResponse() *computation.Response {
	stage := "adult"
	pmiDays, pmiHours, pmiMinutes := 2.0, 48.0, 2880.0
	return &computation.Response{
		AggregatedResults: &computation.AggregatedResults{
			TotalCounts:         map[string]int{"adult": 3},
			OldestStageDetected: &stage,
		},
		PMIEstimation: &computation.PMIEstimation{
			PMIDays:                 &pmiDays,
			PMIHours:                &pmiHours,
			PMIMinutes:              &pmiMinutes,
			StageUsedForCalculation: &stage,
		},
	}
}

type harness struct {
	analyses *fakeAnalysisStore
	cases    *fakeCaseStore
	audits   *fakeAuditStore
	comp     *fakeComputation
	store    *workflow.MemoryStore
	engine   *workflow.Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		analyses: newFakeAnalysisStore(),
		cases:    newFakeCaseStore(),
		audits:   &fakeAuditStore{},
		comp:     &fakeComputation{},
		store:    workflow.NewMemoryStore(),
	}

	deps := Deps{
		Analyses:          h.analyses,
		Cases:             h.cases,
		Audits:            h.audits,
		Computation:       h.comp,
		Logger:            zerolog.Nop(),
		UploadGracePeriod: 10 * time.Millisecond,
	}

	h.engine = workflow.NewEngine(h.store, workflow.NewMemoryLocker(), workflow.Config{
		Workers:          2,
		PollInterval:     2 * time.Millisecond,
		LeaseDuration:    time.Minute,
		MaxRetries:       2,
		RetryBackoffBase: time.Millisecond,
	}, zerolog.Nop(), nil)
	h.engine.Register(NewAnalysisDefinition(deps))
	h.engine.Register(NewRecalculationDefinition(deps))
	return h
}

// run dispatches the event and drives the engine until the instance reaches
// a terminal state.
func (h *harness) run(t *testing.T, event domain.TriggerEvent) *workflow.Instance {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, h.engine.Dispatch(ctx, event))
	go func() { _ = h.engine.Run(ctx) }()

	var terminal *workflow.Instance
	require.Eventually(t, func() bool {
		for _, inst := range h.store.Instances() {
			if inst.Status.IsTerminal() {
				terminal = inst
				return true
			}
		}
		return false
	}, 5*time.Second, 5*time.Millisecond, "instance never reached a terminal state")

	return terminal
}

func event(name, caseID string) domain.TriggerEvent {
	return domain.TriggerEvent{
		Name: name,
		Data: domain.TriggerPayload{CaseID: caseID},
	}
}

func TestAnalysisWorkflow_CompletesWithDetections(t *testing.T) {
	h := newHarness(t)
	h.analyses.seed("c1", domain.AnalysisStatusPending)
	h.comp.detectResp = detectionResponse()

	inst := h.run(t, event(domain.EventAnalysisRequested, "c1"))
	assert.Equal(t, workflow.InstanceStatusCompleted, inst.Status)

	row := h.analyses.get("c1")
	require.NotNil(t, row)
	assert.Equal(t, domain.AnalysisStatusCompleted, row.Status)
	assert.Equal(t, map[string]int{"adult": 3}, row.TotalCounts)
	require.NotNil(t, row.OldestStageDetected)
	assert.Equal(t, "adult", *row.OldestStageDetected)
	require.NotNil(t, row.PMIDays)
	assert.Equal(t, 2.0, *row.PMIDays)

	detect, _ := h.comp.calls()
	assert.Equal(t, 1, detect)
}

func TestAnalysisWorkflow_NoDetectionsShortCircuit(t *testing.T) {
	h := newHarness(t)
	h.analyses.seed("c1", domain.AnalysisStatusPending)
	h.comp.detectResp = &computation.Response{
		AggregatedResults: &computation.AggregatedResults{},
	}

	inst := h.run(t, event(domain.EventAnalysisRequested, "c1"))
	assert.Equal(t, workflow.InstanceStatusCompleted, inst.Status)

	row := h.analyses.get("c1")
	require.NotNil(t, row)
	assert.Equal(t, domain.AnalysisStatusCompleted, row.Status)
	require.NotNil(t, row.Explanation)
	assert.Equal(t, "no evidence detected", *row.Explanation)
	assert.Empty(t, row.TotalCounts, "no result fields on a no-detection completion")

	h.analyses.mu.Lock()
	gets := h.analyses.gets
	h.analyses.mu.Unlock()
	assert.Zero(t, gets, "cancellation check must not run on the no-detection path")
}

func TestAnalysisWorkflow_CancelledWhenRowDeletedMidComputation(t *testing.T) {
	h := newHarness(t)
	h.analyses.seed("c1", domain.AnalysisStatusPending)
	h.comp.detectResp = detectionResponse()
	// The user deletes the case while the detection is in flight.
	h.comp.onDetect = func() { h.analyses.delete("c1") }

	inst := h.run(t, event(domain.EventAnalysisRequested, "c1"))
	assert.Equal(t, workflow.InstanceStatusCancelled, inst.Status)
	assert.Nil(t, h.analyses.get("c1"), "cancelled workflow must not resurrect the row")
}

func TestAnalysisWorkflow_FailureHookAfterExhaustedRetries(t *testing.T) {
	h := newHarness(t)
	h.analyses.seed("c1", domain.AnalysisStatusPending)
	h.comp.detectErr = errors.New("detector exploded")

	inst := h.run(t, event(domain.EventAnalysisRequested, "c1"))
	assert.Equal(t, workflow.InstanceStatusFailed, inst.Status)

	detect, _ := h.comp.calls()
	assert.Equal(t, 3, detect, "first invocation plus two workflow retries")

	row := h.analyses.get("c1")
	require.NotNil(t, row)
	assert.Equal(t, domain.AnalysisStatusFailed, row.Status)
	require.NotNil(t, row.Explanation)
	assert.Contains(t, *row.Explanation, "Analysis failed:")
	assert.Contains(t, *row.Explanation, "detector exploded")
}

func TestAnalysisWorkflow_ResumeDoesNotRepeatDetection(t *testing.T) {
	h := newHarness(t)
	h.analyses.seed("c1", domain.AnalysisStatusPending)
	h.comp.detectResp = detectionResponse()
	// The first invocation crashes at the persistence step, after the
	// detection result is already in the step log. The processing write is
	// call one, the save is call two.
	h.analyses.failOnCall = 2
	h.analyses.failErr = errors.New("connection reset")

	inst := h.run(t, event(domain.EventAnalysisRequested, "c1"))
	assert.Equal(t, workflow.InstanceStatusCompleted, inst.Status)

	detect, _ := h.comp.calls()
	assert.Equal(t, 1, detect, "memoized detection must not re-run on the retry invocation")

	row := h.analyses.get("c1")
	require.NotNil(t, row)
	assert.Equal(t, domain.AnalysisStatusCompleted, row.Status)
	assert.Equal(t, map[string]int{"adult": 3}, row.TotalCounts)
}

func TestRecalculationWorkflow_AuditsChangedPMI(t *testing.T) {
	h := newHarness(t)
	oldMinutes := 120.0
	h.analyses.seed("c1", domain.AnalysisStatusCompleted)
	h.analyses.mu.Lock()
	h.analyses.rows["c1"].PMIMinutes = &oldMinutes
	h.analyses.mu.Unlock()
	h.cases.seed("c1", "user-7", true)

	// The computation service writes the new estimate downstream.
	h.comp.onRecalculate = func() {
		newMinutes := 240.0
		h.analyses.mu.Lock()
		h.analyses.rows["c1"].PMIMinutes = &newMinutes
		h.analyses.mu.Unlock()
	}

	inst := h.run(t, event(domain.EventRecalculationRequested, "c1"))
	assert.Equal(t, workflow.InstanceStatusCompleted, inst.Status)

	row := h.analyses.get("c1")
	require.NotNil(t, row)
	assert.Equal(t, domain.AnalysisStatusCompleted, row.Status)

	c, err := h.cases.GetByID(context.Background(), "c1")
	require.NoError(t, err)
	assert.False(t, c.RecalculationNeeded, "flag cleared on successful recalculation")

	entries := h.audits.all()
	require.Len(t, entries, 1)
	entry := entries[0]
	assert.Equal(t, domain.AuditFieldPMIRecalculation, entry.Field)
	assert.Equal(t, "user-7", entry.UserID)

	oldVals, ok := entry.OldValue.(*domain.PMIValues)
	require.True(t, ok)
	newVals, ok := entry.NewValue.(*domain.PMIValues)
	require.True(t, ok)
	assert.Equal(t, 120.0, *oldVals.Minutes)
	assert.Equal(t, 240.0, *newVals.Minutes)
}

func TestRecalculationWorkflow_NoAuditWhenPMIUnchanged(t *testing.T) {
	h := newHarness(t)
	minutes := 120.0
	h.analyses.seed("c1", domain.AnalysisStatusCompleted)
	h.analyses.mu.Lock()
	h.analyses.rows["c1"].PMIMinutes = &minutes
	h.analyses.mu.Unlock()
	h.cases.seed("c1", "user-7", true)

	inst := h.run(t, event(domain.EventRecalculationRequested, "c1"))
	assert.Equal(t, workflow.InstanceStatusCompleted, inst.Status)
	assert.Empty(t, h.audits.all(), "identical PMI must not produce an audit entry")
}

func TestRecalculationWorkflow_SkipsAuditOnMissingData(t *testing.T) {
	h := newHarness(t)
	// No PMI estimate at all before or after.
	h.analyses.seed("c1", domain.AnalysisStatusCompleted)
	h.cases.seed("c1", "user-7", true)

	inst := h.run(t, event(domain.EventRecalculationRequested, "c1"))
	assert.Equal(t, workflow.InstanceStatusCompleted, inst.Status, "missing audit data is non-fatal")
	assert.Empty(t, h.audits.all())
}

func TestRecalculationWorkflow_FailureHook(t *testing.T) {
	h := newHarness(t)
	h.analyses.seed("c1", domain.AnalysisStatusCompleted)
	h.cases.seed("c1", "user-7", true)
	h.comp.recalcErr = errors.New("recalculation exploded")

	inst := h.run(t, event(domain.EventRecalculationRequested, "c1"))
	assert.Equal(t, workflow.InstanceStatusFailed, inst.Status)

	_, recalc := h.comp.calls()
	assert.Equal(t, 3, recalc, "no internal retry, only the workflow budget")

	row := h.analyses.get("c1")
	require.NotNil(t, row)
	assert.Equal(t, domain.AnalysisStatusFailed, row.Status)
	require.NotNil(t, row.Explanation)
	assert.Contains(t, *row.Explanation, "Recalculation failed:")
}

func TestRecalculationWorkflow_FailureKeepsPersistedResults(t *testing.T) {
	h := newHarness(t)
	minutes, days := 2880.0, 2.0
	h.analyses.seed("c1", domain.AnalysisStatusCompleted)
	h.analyses.mu.Lock()
	row := h.analyses.rows["c1"]
	row.TotalCounts = map[string]int{"adult": 3}
	row.PMIMinutes = &minutes
	row.PMIDays = &days
	h.analyses.mu.Unlock()
	h.cases.seed("c1", "user-7", true)
	h.comp.recalcErr = errors.New("recalculation exploded")

	inst := h.run(t, event(domain.EventRecalculationRequested, "c1"))
	assert.Equal(t, workflow.InstanceStatusFailed, inst.Status)

	got := h.analyses.get("c1")
	require.NotNil(t, got)
	assert.Equal(t, domain.AnalysisStatusFailed, got.Status)
	require.NotNil(t, got.Explanation)
	assert.Contains(t, *got.Explanation, "Recalculation failed:")

	// The earlier completed run's results survive the failure record.
	assert.Equal(t, map[string]int{"adult": 3}, got.TotalCounts)
	require.NotNil(t, got.PMIMinutes)
	assert.Equal(t, 2880.0, *got.PMIMinutes)
	require.NotNil(t, got.PMIDays)
	assert.Equal(t, 2.0, *got.PMIDays)
}

func TestRecalculationWorkflow_FailureBeforeProcessingIsRecorded(t *testing.T) {
	h := newHarness(t)
	minutes := 2880.0
	h.analyses.seed("c1", domain.AnalysisStatusCompleted)
	h.analyses.mu.Lock()
	h.analyses.rows["c1"].PMIMinutes = &minutes
	h.analyses.mu.Unlock()
	h.cases.seed("c1", "user-7", true)
	// Every read fails, so the run dies before the row is reopened to
	// processing and the failure hook finds it still at completed.
	h.analyses.getErr = errors.New("read timeout")

	inst := h.run(t, event(domain.EventRecalculationRequested, "c1"))
	assert.Equal(t, workflow.InstanceStatusFailed, inst.Status)

	row := h.analyses.get("c1")
	require.NotNil(t, row)
	assert.Equal(t, domain.AnalysisStatusFailed, row.Status)
	require.NotNil(t, row.Explanation)
	assert.Contains(t, *row.Explanation, "Recalculation failed:")
	require.NotNil(t, row.PMIMinutes)
	assert.Equal(t, 2880.0, *row.PMIMinutes)
}
