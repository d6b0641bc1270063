package lifecycle

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tradedeck/core/internal/model"
	"tradedeck/core/internal/state"
	"tradedeck/core/internal/util"
	"tradedeck/core/pkg/botapi"
	"tradedeck/core/pkg/logger"
)

// stubBackend implements BackendClient through optional function fields.
type stubBackend struct {
	listBotsFn   func(ctx context.Context) ([]model.Bot, error)
	listActiveFn func(ctx context.Context) ([]model.Bot, error)
	getStatusFn  func(ctx context.Context, botID string) (model.BotStatus, error)
	createFn     func(ctx context.Context, draft model.BotDraft) (model.Bot, error)
	updateFn     func(ctx context.Context, botID string, draft model.BotDraft) (model.Bot, error)
	deleteFn     func(ctx context.Context, botID string) error
	startFn      func(ctx context.Context, botID string) error
	stopFn       func(ctx context.Context, botID string) error
}

func (s *stubBackend) ListBots(ctx context.Context) ([]model.Bot, error) {
	if s.listBotsFn != nil {
		return s.listBotsFn(ctx)
	}
	return nil, nil
}

func (s *stubBackend) ListActiveBots(ctx context.Context) ([]model.Bot, error) {
	if s.listActiveFn != nil {
		return s.listActiveFn(ctx)
	}
	return nil, nil
}

func (s *stubBackend) GetStatus(ctx context.Context, botID string) (model.BotStatus, error) {
	if s.getStatusFn != nil {
		return s.getStatusFn(ctx, botID)
	}
	return model.BotStatus{State: model.StateUnknown}, nil
}

func (s *stubBackend) CreateBot(ctx context.Context, draft model.BotDraft) (model.Bot, error) {
	if s.createFn != nil {
		return s.createFn(ctx, draft)
	}
	return model.Bot{}, nil
}

func (s *stubBackend) UpdateBot(ctx context.Context, botID string, draft model.BotDraft) (model.Bot, error) {
	if s.updateFn != nil {
		return s.updateFn(ctx, botID, draft)
	}
	return model.Bot{}, nil
}

func (s *stubBackend) DeleteBot(ctx context.Context, botID string) error {
	if s.deleteFn != nil {
		return s.deleteFn(ctx, botID)
	}
	return nil
}

func (s *stubBackend) StartBot(ctx context.Context, botID string) error {
	if s.startFn != nil {
		return s.startFn(ctx, botID)
	}
	return nil
}

func (s *stubBackend) StopBot(ctx context.Context, botID string) error {
	if s.stopFn != nil {
		return s.stopFn(ctx, botID)
	}
	return nil
}

func (s *stubBackend) TradeHistory(ctx context.Context, filter model.TradeFilter) ([]model.Trade, error) {
	return nil, nil
}

func (s *stubBackend) Performance(ctx context.Context, period string) (model.PerformanceReport, error) {
	return model.PerformanceReport{}, nil
}

func (s *stubBackend) Symbols(ctx context.Context) ([]model.SymbolInfo, error) {
	return nil, nil
}

func (s *stubBackend) Strategies(ctx context.Context) ([]model.StrategyInfo, error) {
	return nil, nil
}

func (s *stubBackend) Backtest(ctx context.Context, req model.BacktestRequest) (model.BacktestResult, error) {
	return model.BacktestResult{}, nil
}

func newTestCoordinator(backend BackendClient) (*Coordinator, *state.Registry, *state.StatusTracker) {
	events := state.NewNotifier()
	tracker := state.NewStatusTracker(events)
	registry := state.NewRegistry(tracker, events)
	coord := NewCoordinator(backend, registry, tracker, time.Second, logger.New("error", "json"))
	return coord, registry, tracker
}

func validDraft(name string) model.BotDraft {
	return model.BotDraft{
		Name:     name,
		Symbol:   "BTCUSDT",
		Strategy: "ema-cross",
		Interval: "1h",
		Amount:   100,
	}
}

func TestCreateBotServerEchoIsAuthoritative(t *testing.T) {
	backend := &stubBackend{
		createFn: func(ctx context.Context, draft model.BotDraft) (model.Bot, error) {
			return model.Bot{
				ID:       "b1",
				Name:     draft.Name,
				Symbol:   draft.Symbol,
				Strategy: draft.Strategy,
				Interval: "4h", // backend normalized the interval
				Amount:   draft.Amount,
			}, nil
		},
	}
	coord, registry, _ := newTestCoordinator(backend)

	bot, err := coord.CreateBot(context.Background(), validDraft("EMA-Cross"))
	if err != nil {
		t.Fatalf("expected create to succeed, got %v", err)
	}
	if bot.ID != "b1" {
		t.Fatalf("expected backend-assigned id b1, got %s", bot.ID)
	}

	stored, ok := registry.Get("b1")
	if !ok {
		t.Fatal("expected b1 in registry")
	}
	if stored.Interval != "4h" {
		t.Fatalf("expected registry to hold the backend echo, got interval %s", stored.Interval)
	}
	if registry.Len() != 1 {
		t.Fatalf("expected exactly one bot, got %d", registry.Len())
	}
}

func TestCreateBotValidationRejectsBeforeNetwork(t *testing.T) {
	var calls int32
	backend := &stubBackend{
		createFn: func(ctx context.Context, draft model.BotDraft) (model.Bot, error) {
			atomic.AddInt32(&calls, 1)
			return model.Bot{}, nil
		},
	}
	coord, registry, _ := newTestCoordinator(backend)

	_, err := coord.CreateBot(context.Background(), model.BotDraft{Amount: -5})
	if err == nil {
		t.Fatal("expected validation error")
	}
	appErr := util.GetAppError(err)
	if appErr == nil || appErr.Code != util.ErrCodeValidation {
		t.Fatalf("expected validation code, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 0 {
		t.Fatal("expected no network call for invalid draft")
	}
	if registry.Len() != 0 {
		t.Fatal("expected registry untouched")
	}
}

func TestStartBotRejectsDuplicateInFlight(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var calls int32

	backend := &stubBackend{
		startFn: func(ctx context.Context, botID string) error {
			atomic.AddInt32(&calls, 1)
			close(entered)
			<-release
			return nil
		},
	}
	coord, registry, tracker := newTestCoordinator(backend)
	registry.Upsert(model.Bot{ID: "b1"})

	firstDone := make(chan error, 1)
	go func() {
		firstDone <- coord.StartBot(context.Background(), "b1")
	}()
	<-entered

	// Second start while the first is in flight: rejected locally.
	err := coord.StartBot(context.Background(), "b1")
	appErr := util.GetAppError(err)
	if appErr == nil || appErr.Code != util.ErrCodeConflict {
		t.Fatalf("expected conflict, got %v", err)
	}

	close(release)
	if err := <-firstDone; err != nil {
		t.Fatalf("expected first start to succeed, got %v", err)
	}

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected exactly one wire call, got %d", got)
	}
	if !tracker.IsActive("b1") {
		t.Fatal("expected b1 running after confirmation")
	}

	// The operation record is cleared: a fresh start is accepted again.
	backend.startFn = func(ctx context.Context, botID string) error { return nil }
	if err := coord.StartBot(context.Background(), "b1"); err != nil {
		t.Fatalf("expected start after settlement to be accepted, got %v", err)
	}
}

func TestStartBotFailureLeavesTrackerUntouched(t *testing.T) {
	backend := &stubBackend{
		startFn: func(ctx context.Context, botID string) error {
			return &botapi.APIError{StatusCode: http.StatusNotFound, Message: "bot not found"}
		},
	}
	coord, _, tracker := newTestCoordinator(backend)

	err := coord.StartBot(context.Background(), "missing")
	appErr := util.GetAppError(err)
	if appErr == nil {
		t.Fatalf("expected classified error, got %v", err)
	}
	if appErr.Message != "bot not found" {
		t.Fatalf("expected backend message passthrough, got %q", appErr.Message)
	}
	if got := tracker.Get("missing").State; got != model.StateUnknown {
		t.Fatalf("expected tracker untouched (unknown), got %s", got)
	}
}

func TestStartBotTimeoutMarksUnknown(t *testing.T) {
	backend := &stubBackend{
		startFn: func(ctx context.Context, botID string) error {
			return context.DeadlineExceeded
		},
	}
	coord, registry, tracker := newTestCoordinator(backend)
	registry.Upsert(model.Bot{ID: "b1"})
	tracker.Set("b1", model.StateStopped)

	err := coord.StartBot(context.Background(), "b1")
	appErr := util.GetAppError(err)
	if appErr == nil || appErr.Code != util.ErrCodeTimeout {
		t.Fatalf("expected timeout error, got %v", err)
	}
	if got := tracker.Get("b1").State; got != model.StateUnknown {
		t.Fatalf("expected unknown pending next poll, got %s", got)
	}
}

func TestDeleteBotRemovesBothStores(t *testing.T) {
	backend := &stubBackend{}
	coord, registry, tracker := newTestCoordinator(backend)
	registry.Upsert(model.Bot{ID: "b1", Name: "EMA-Cross"})
	tracker.Set("b1", model.StateRunning)

	name, err := coord.DeleteBot(context.Background(), "b1")
	if err != nil {
		t.Fatalf("expected delete to succeed, got %v", err)
	}
	if name != "EMA-Cross" {
		t.Fatalf("expected last-known name EMA-Cross, got %s", name)
	}
	if _, ok := registry.Get("b1"); ok {
		t.Fatal("expected b1 gone from registry")
	}
	if got := tracker.Get("b1").State; got != model.StateUnknown {
		t.Fatalf("expected unknown after delete, got %s", got)
	}
}

func TestDeleteBotFailureLeavesEntry(t *testing.T) {
	backend := &stubBackend{
		deleteFn: func(ctx context.Context, botID string) error {
			return &botapi.APIError{StatusCode: http.StatusConflict, Message: "bot is running"}
		},
	}
	coord, registry, _ := newTestCoordinator(backend)
	registry.Upsert(model.Bot{ID: "b1"})

	_, err := coord.DeleteBot(context.Background(), "b1")
	appErr := util.GetAppError(err)
	if appErr == nil || appErr.Message != "bot is running" {
		t.Fatalf("expected backend message, got %v", err)
	}
	if !registry.Contains("b1") {
		t.Fatal("expected b1 to remain after failed delete")
	}
}

func TestStaleListFetchDoesNotResurrectDeletedBot(t *testing.T) {
	listEntered := make(chan struct{})
	listRelease := make(chan struct{})
	backend := &stubBackend{
		listBotsFn: func(ctx context.Context) ([]model.Bot, error) {
			close(listEntered)
			<-listRelease
			// Stale snapshot taken before the delete settled.
			return []model.Bot{{ID: "b1", Name: "EMA-Cross"}, {ID: "b2"}}, nil
		},
	}
	coord, registry, _ := newTestCoordinator(backend)
	registry.Upsert(model.Bot{ID: "b1", Name: "EMA-Cross"})
	registry.Upsert(model.Bot{ID: "b2"})

	listDone := make(chan error, 1)
	go func() {
		_, err := coord.ListBots(context.Background())
		listDone <- err
	}()
	<-listEntered

	if _, err := coord.DeleteBot(context.Background(), "b1"); err != nil {
		t.Fatalf("expected delete to succeed, got %v", err)
	}

	close(listRelease)
	if err := <-listDone; err != nil {
		t.Fatalf("expected list to succeed, got %v", err)
	}

	if registry.Contains("b1") {
		t.Fatal("stale list fetch resurrected a confirmed delete")
	}
	if !registry.Contains("b2") {
		t.Fatal("expected unrelated bot to survive the replace")
	}
}

func TestListBotsFailureLeavesRegistryUntouched(t *testing.T) {
	backend := &stubBackend{
		listBotsFn: func(ctx context.Context) ([]model.Bot, error) {
			return nil, errors.New("connection refused")
		},
	}
	coord, registry, _ := newTestCoordinator(backend)
	registry.Upsert(model.Bot{ID: "b1"})

	if _, err := coord.ListBots(context.Background()); err == nil {
		t.Fatal("expected transport failure to surface")
	}
	if !registry.Contains("b1") {
		t.Fatal("expected registry untouched on failed fetch")
	}
}

func TestInterleavedTransitionsConvergePerBot(t *testing.T) {
	backend := &stubBackend{}
	coord, registry, tracker := newTestCoordinator(backend)
	registry.Upsert(model.Bot{ID: "b1"})
	registry.Upsert(model.Bot{ID: "b2"})
	registry.Upsert(model.Bot{ID: "b3"})

	var wg sync.WaitGroup
	ops := []struct {
		botID string
		stop  bool
	}{
		{"b1", false}, {"b2", false}, {"b3", false}, {"b2", true},
	}
	for _, op := range ops {
		wg.Add(1)
		go func(botID string, stop bool) {
			defer wg.Done()
			if stop {
				// Ensure the stop settles after b2's start.
				time.Sleep(20 * time.Millisecond)
				coord.StopBot(context.Background(), botID)
			} else {
				coord.StartBot(context.Background(), botID)
			}
		}(op.botID, op.stop)
	}
	wg.Wait()

	if !tracker.IsActive("b1") || !tracker.IsActive("b3") {
		t.Fatal("expected b1 and b3 running")
	}
	if tracker.IsActive("b2") {
		t.Fatal("expected b2 stopped (last confirmed state wins)")
	}
}

func TestStartConfirmationAfterDeleteIsNoOp(t *testing.T) {
	startEntered := make(chan struct{})
	startRelease := make(chan struct{})
	backend := &stubBackend{
		startFn: func(ctx context.Context, botID string) error {
			close(startEntered)
			<-startRelease
			return nil
		},
	}
	coord, registry, tracker := newTestCoordinator(backend)
	registry.Upsert(model.Bot{ID: "b1"})

	startDone := make(chan error, 1)
	go func() {
		startDone <- coord.StartBot(context.Background(), "b1")
	}()
	<-startEntered

	if _, err := coord.DeleteBot(context.Background(), "b1"); err != nil {
		t.Fatalf("expected delete to succeed, got %v", err)
	}

	close(startRelease)
	if err := <-startDone; err != nil {
		t.Fatalf("expected start call itself to settle cleanly, got %v", err)
	}

	if got := tracker.Get("b1").State; got != model.StateUnknown {
		t.Fatalf("expected no status write for a removed bot, got %s", got)
	}
}

func TestRefreshStatusSkipsPendingTransition(t *testing.T) {
	startEntered := make(chan struct{})
	startRelease := make(chan struct{})
	var statusCalls int32
	backend := &stubBackend{
		startFn: func(ctx context.Context, botID string) error {
			close(startEntered)
			<-startRelease
			return nil
		},
		getStatusFn: func(ctx context.Context, botID string) (model.BotStatus, error) {
			atomic.AddInt32(&statusCalls, 1)
			return model.BotStatus{State: model.StateStopped}, nil
		},
	}
	coord, registry, _ := newTestCoordinator(backend)
	registry.Upsert(model.Bot{ID: "b1"})

	startDone := make(chan error, 1)
	go func() {
		startDone <- coord.StartBot(context.Background(), "b1")
	}()
	<-startEntered

	if _, err := coord.RefreshStatus(context.Background(), "b1"); err != nil {
		t.Fatalf("expected skip to be silent, got %v", err)
	}
	if atomic.LoadInt32(&statusCalls) != 0 {
		t.Fatal("expected no status fetch while a transition is pending")
	}

	close(startRelease)
	<-startDone
}

func TestRefreshStatusDiscardsSnapshotOlderThanStart(t *testing.T) {
	statusEntered := make(chan struct{})
	statusRelease := make(chan struct{})
	backend := &stubBackend{
		getStatusFn: func(ctx context.Context, botID string) (model.BotStatus, error) {
			close(statusEntered)
			<-statusRelease
			// Snapshot taken before the start settled.
			return model.BotStatus{State: model.StateStopped}, nil
		},
	}
	coord, registry, tracker := newTestCoordinator(backend)
	registry.Upsert(model.Bot{ID: "b1"})

	statusDone := make(chan struct{})
	go func() {
		coord.RefreshStatus(context.Background(), "b1")
		close(statusDone)
	}()
	<-statusEntered

	// The start begins after the fetch and confirms while it is in flight.
	if err := coord.StartBot(context.Background(), "b1"); err != nil {
		t.Fatalf("expected start to succeed, got %v", err)
	}

	close(statusRelease)
	<-statusDone

	if got := tracker.Get("b1").State; got != model.StateRunning {
		t.Fatalf("expected the newer start confirmation to win, got %s", got)
	}
}

func TestRefreshStatusAfterDeleteIsDiscarded(t *testing.T) {
	statusEntered := make(chan struct{})
	statusRelease := make(chan struct{})
	backend := &stubBackend{
		getStatusFn: func(ctx context.Context, botID string) (model.BotStatus, error) {
			close(statusEntered)
			<-statusRelease
			return model.BotStatus{State: model.StateRunning}, nil
		},
	}
	coord, registry, tracker := newTestCoordinator(backend)
	registry.Upsert(model.Bot{ID: "b1"})

	statusDone := make(chan struct{})
	go func() {
		coord.RefreshStatus(context.Background(), "b1")
		close(statusDone)
	}()
	<-statusEntered

	if _, err := coord.DeleteBot(context.Background(), "b1"); err != nil {
		t.Fatalf("expected delete to succeed, got %v", err)
	}

	close(statusRelease)
	<-statusDone

	if registry.Contains("b1") {
		t.Fatal("expected b1 to stay deleted")
	}
	if got := tracker.Get("b1").State; got != model.StateUnknown {
		t.Fatalf("expected no tracker entry for a deleted bot, got %s", got)
	}
}

func TestRefreshStatusNormalizesUnknownStates(t *testing.T) {
	backend := &stubBackend{
		getStatusFn: func(ctx context.Context, botID string) (model.BotStatus, error) {
			return model.BotStatus{State: "paused"}, nil
		},
	}
	coord, registry, tracker := newTestCoordinator(backend)
	registry.Upsert(model.Bot{ID: "b1"})

	if _, err := coord.RefreshStatus(context.Background(), "b1"); err != nil {
		t.Fatalf("expected refresh to succeed, got %v", err)
	}
	if got := tracker.Get("b1").State; got != model.StateUnknown {
		t.Fatalf("expected unrecognized state to normalize to unknown, got %s", got)
	}
}

func TestListActiveBotsSeedsTracker(t *testing.T) {
	backend := &stubBackend{
		listActiveFn: func(ctx context.Context) ([]model.Bot, error) {
			return []model.Bot{{ID: "b1"}, {ID: "ghost"}}, nil
		},
	}
	coord, registry, tracker := newTestCoordinator(backend)
	registry.Upsert(model.Bot{ID: "b1"})

	if err := coord.ListActiveBots(context.Background()); err != nil {
		t.Fatalf("expected seed to succeed, got %v", err)
	}
	if !tracker.IsActive("b1") {
		t.Fatal("expected b1 seeded running")
	}
	if got := tracker.Get("ghost").State; got != model.StateUnknown {
		t.Fatalf("expected unknown bot to be skipped, got %s", got)
	}
}

func TestListActiveBotsDoesNotOverrideNewerStop(t *testing.T) {
	activeEntered := make(chan struct{})
	activeRelease := make(chan struct{})
	backend := &stubBackend{
		listActiveFn: func(ctx context.Context) ([]model.Bot, error) {
			close(activeEntered)
			<-activeRelease
			// Snapshot taken before the stop settled.
			return []model.Bot{{ID: "b1"}}, nil
		},
	}
	coord, registry, tracker := newTestCoordinator(backend)
	registry.Upsert(model.Bot{ID: "b1"})
	tracker.Set("b1", model.StateRunning)

	activeDone := make(chan error, 1)
	go func() {
		activeDone <- coord.ListActiveBots(context.Background())
	}()
	<-activeEntered

	if err := coord.StopBot(context.Background(), "b1"); err != nil {
		t.Fatalf("expected stop to succeed, got %v", err)
	}

	close(activeRelease)
	if err := <-activeDone; err != nil {
		t.Fatalf("expected active fetch to settle cleanly, got %v", err)
	}

	if tracker.IsActive("b1") {
		t.Fatal("expected the newer stop confirmation to win over the active snapshot")
	}
}

func TestUpdateBotReplacesEntry(t *testing.T) {
	backend := &stubBackend{
		updateFn: func(ctx context.Context, botID string, draft model.BotDraft) (model.Bot, error) {
			return model.Bot{ID: botID, Name: draft.Name, Symbol: draft.Symbol, Strategy: draft.Strategy, Interval: draft.Interval, Amount: draft.Amount}, nil
		},
	}
	coord, registry, _ := newTestCoordinator(backend)
	registry.Upsert(model.Bot{ID: "b1", Name: "old"})

	bot, err := coord.UpdateBot(context.Background(), "b1", validDraft("renamed"))
	if err != nil {
		t.Fatalf("expected update to succeed, got %v", err)
	}
	if bot.Name != "renamed" {
		t.Fatalf("expected echo name, got %s", bot.Name)
	}
	stored, _ := registry.Get("b1")
	if stored.Name != "renamed" {
		t.Fatalf("expected registry replaced, got %s", stored.Name)
	}
}

func TestUpdateBotUnknownID(t *testing.T) {
	coord, _, _ := newTestCoordinator(&stubBackend{})

	_, err := coord.UpdateBot(context.Background(), "missing", validDraft("x"))
	appErr := util.GetAppError(err)
	if appErr == nil || appErr.Code != util.ErrCodeBotNotFound {
		t.Fatalf("expected bot-not-found, got %v", err)
	}
}

// Full walkthrough: create, start, delete.
func TestBotLifecycleScenario(t *testing.T) {
	backend := &stubBackend{
		createFn: func(ctx context.Context, draft model.BotDraft) (model.Bot, error) {
			return model.Bot{ID: "b1", Name: draft.Name, Symbol: draft.Symbol, Strategy: draft.Strategy, Interval: draft.Interval, Amount: draft.Amount}, nil
		},
	}
	coord, registry, tracker := newTestCoordinator(backend)

	bot, err := coord.CreateBot(context.Background(), validDraft("EMA-Cross"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if registry.Len() != 1 || bot.ID != "b1" {
		t.Fatalf("expected exactly bot b1, got len=%d id=%s", registry.Len(), bot.ID)
	}

	if err := coord.StartBot(context.Background(), "b1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !tracker.IsActive("b1") {
		t.Fatal("expected b1 running")
	}

	if _, err := coord.DeleteBot(context.Background(), "b1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if registry.Contains("b1") {
		t.Fatal("expected registry to lack b1")
	}
	if got := tracker.Get("b1").State; got != model.StateUnknown {
		t.Fatalf("expected tracker to lack b1, got %s", got)
	}
}
