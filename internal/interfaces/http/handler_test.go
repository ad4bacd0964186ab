package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"fundingarb/internal/application/service"
	"fundingarb/internal/domain/model"
)

type fakeSubscriptions struct {
	subs    map[string]model.Subscription
	err     error
	created []model.SubscriptionConfig
}

func (f *fakeSubscriptions) Subscribe(_ context.Context, symbol, primary, hedge string, cfg model.SubscriptionConfig) (model.Subscription, error) {
	if f.err != nil {
		return model.Subscription{}, f.err
	}
	f.created = append(f.created, cfg)
	sub := model.Subscription{ID: fmt.Sprintf("s%d", len(f.subs)+1), Symbol: symbol, PrimaryExchange: primary, HedgeExchange: hedge, Status: model.SubscriptionPending, Config: cfg}
	f.subs[sub.ID] = sub
	return sub, nil
}

func (f *fakeSubscriptions) List(context.Context, ...model.SubscriptionStatus) ([]model.Subscription, error) {
	out := make([]model.Subscription, 0, len(f.subs))
	for _, s := range f.subs {
		out = append(out, s)
	}
	return out, nil
}

func (f *fakeSubscriptions) Get(_ context.Context, id string) (model.Subscription, error) {
	s, ok := f.subs[id]
	if !ok {
		return model.Subscription{}, model.ErrNotFound
	}
	return s, nil
}

func (f *fakeSubscriptions) Cancel(_ context.Context, id string) (model.Subscription, error) {
	s := f.subs[id]
	s.Status = model.SubscriptionCancelled
	f.subs[id] = s
	return s, nil
}

type fakePositions struct {
	positions map[string]model.Position
	execErr   error
	requests  []service.ExecutionRequest
	protected *model.ProtectiveParams
	synced    bool
	stopped   bool
}

func (f *fakePositions) RequestExecution(_ context.Context, req service.ExecutionRequest) (service.PositionHandle, error) {
	if f.execErr != nil {
		return service.PositionHandle{}, f.execErr
	}
	f.requests = append(f.requests, req)
	return service.PositionHandle{ExecutionID: "e1", PositionID: "p1"}, nil
}

func (f *fakePositions) GetActivePositions(_ context.Context, userID string) ([]model.Position, error) {
	var out []model.Position
	for _, p := range f.positions {
		if p.UserID == userID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakePositions) GetPosition(_ context.Context, id, userID string) (model.Position, error) {
	p, ok := f.positions[id]
	if !ok || p.UserID != userID {
		return model.Position{}, fmt.Errorf("position %s: %w", id, model.ErrNotFound)
	}
	return p, nil
}

func (f *fakePositions) SyncTpSl(context.Context, string, string) error {
	f.synced = true
	return nil
}

func (f *fakePositions) UpdateProtective(_ context.Context, _, _ string, params model.ProtectiveParams) error {
	f.protected = &params
	return nil
}

func (f *fakePositions) ClosePosition(_ context.Context, id, userID string) (model.Position, error) {
	return f.GetPosition(context.Background(), id, userID)
}

func (f *fakePositions) StopAll(context.Context) service.StopReport {
	f.stopped = true
	return service.StopReport{Executions: []string{"e1"}, CancelAttempted: 2}
}

func (f *fakePositions) Resume()       { f.stopped = false }
func (f *fakePositions) Stopped() bool { return f.stopped }

type fakeMaintenance struct {
	cleanupArgs []interface{}
	marked      string
}

func (f *fakeMaintenance) DetectOrphans(context.Context, string) (service.OrphanReport, error) {
	return service.OrphanReport{}, nil
}
func (f *fakeMaintenance) DetectStuck(context.Context, time.Duration) ([]model.Position, error) {
	return nil, nil
}
func (f *fakeMaintenance) DetectLiquidated(context.Context) ([]model.Position, error) {
	return []model.Position{{ID: "p9", Status: model.PositionLiquidated}}, nil
}
func (f *fakeMaintenance) MarkError(_ context.Context, id, reason, operator string) error {
	f.marked = id + ":" + reason + ":" + operator
	return nil
}
func (f *fakeMaintenance) CleanupTerminal(_ context.Context, statuses []model.PositionStatus, olderThan time.Duration, operator string) (int, error) {
	f.cleanupArgs = []interface{}{statuses, olderThan, operator}
	return 3, nil
}
func (f *fakeMaintenance) PurgePosition(context.Context, string, string) error { return nil }
func (f *fakeMaintenance) Audit(context.Context, int) ([]model.AuditRecord, error) {
	return []model.AuditRecord{}, nil
}

type fakeFunding struct{ calls int }

func (f *fakeFunding) Backfill(context.Context, string) (int, error) {
	f.calls++
	return 2, nil
}

type fakeRecordings struct{}

func (fakeRecordings) StartSession(_ context.Context, exchange, symbol string) (model.RecordingSession, error) {
	if symbol == "BADUSDT" {
		return model.RecordingSession{}, &model.Error{Kind: model.KindDataQuality, Op: "recorder.start", Err: model.ErrInvalidSnapshot}
	}
	return model.RecordingSession{ID: "r1", Exchange: exchange, Symbol: symbol, Status: model.RecordingActive}, nil
}
func (fakeRecordings) StopSession(context.Context, string) error { return model.ErrNotFound }
func (fakeRecordings) Sessions(context.Context) ([]model.RecordingSession, error) {
	return []model.RecordingSession{}, nil
}
func (fakeRecordings) DataPoints(context.Context, string) ([]model.DataPoint, error) {
	return []model.DataPoint{}, nil
}
func (fakeRecordings) Cleanup(_ context.Context, olderThan time.Duration) (int, error) {
	return int(olderThan / time.Hour), nil
}

type apiHarness struct {
	router http.Handler
	subs   *fakeSubscriptions
	pos    *fakePositions
	maint  *fakeMaintenance
	fund   *fakeFunding
}

func newAPI() *apiHarness {
	h := &apiHarness{
		subs:  &fakeSubscriptions{subs: map[string]model.Subscription{}},
		pos:   &fakePositions{positions: map[string]model.Position{"p1": {ID: "p1", UserID: "alice", Symbol: "BTCUSDT"}}},
		maint: &fakeMaintenance{},
		fund:  &fakeFunding{},
	}
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("# metrics")) })
	h.router = NewHandler(Deps{
		Subscriptions: h.subs,
		Positions:     h.pos,
		Maintenance:   h.maint,
		Funding:       h.fund,
		Recordings:    fakeRecordings{},
		Metrics:       metrics,
	}).Router()
	return h
}

func (h *apiHarness) do(method, path, user, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if user != "" {
		req.Header.Set(UserHeader, user)
	}
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

func TestHealthAndMetrics(t *testing.T) {
	api := newAPI()
	if w := api.do(http.MethodGet, "/healthz", "", ""); w.Code != http.StatusOK {
		t.Errorf("healthz = %d", w.Code)
	}
	if w := api.do(http.MethodGet, "/metrics", "", ""); w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "# metrics") {
		t.Errorf("metrics = %d %s", w.Code, w.Body.String())
	}
}

func TestUserHeaderRequired(t *testing.T) {
	api := newAPI()
	if w := api.do(http.MethodGet, "/api/v1/positions", "", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
}

func TestCreateSubscription(t *testing.T) {
	api := newAPI()
	w := api.do(http.MethodPost, "/api/v1/subscriptions", "alice",
		`{"symbol":"btcusdt","primary_exchange":"Binance","hedge_exchange":"bybit","quantity":"0.5","graduated_parts":2,"user_id":"mallory"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var sub model.Subscription
	if err := json.Unmarshal(w.Body.Bytes(), &sub); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if sub.Symbol != "BTCUSDT" || sub.PrimaryExchange != "binance" {
		t.Errorf("subscription = %+v", sub)
	}
	cfg := api.subs.created[0]
	if cfg.UserID != "alice" || !cfg.Quantity.Equal(decimal.RequireFromString("0.5")) || cfg.GraduatedParts != 2 {
		t.Errorf("config = %+v", cfg)
	}
	t.Logf("✓ subscription created for header user")
}

func TestErrorStatusMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"duplicate", fmt.Errorf("wrap: %w", model.ErrDuplicateActiveSubscription), http.StatusConflict},
		{"rejected", &model.Error{Kind: model.KindRejected, Op: "scheduler.subscribe", Reason: "graduated parts must be >= 1"}, http.StatusBadRequest},
		{"data quality", &model.Error{Kind: model.KindDataQuality, Op: "x", Err: model.ErrInvalidSnapshot}, http.StatusUnprocessableEntity},
		{"not found", model.ErrNotFound, http.StatusNotFound},
		{"transient", model.ErrTimeout, http.StatusBadGateway},
		{"unknown", fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := newAPI()
			api.subs.err = tt.err
			w := api.do(http.MethodPost, "/api/v1/subscriptions", "alice",
				`{"symbol":"BTCUSDT","primary_exchange":"binance","hedge_exchange":"bybit","quantity":"1","graduated_parts":1}`)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d (%s)", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestCancelOtherUsersSubscriptionIsNotFound(t *testing.T) {
	api := newAPI()
	api.subs.subs["s9"] = model.Subscription{ID: "s9", Status: model.SubscriptionPending, Config: model.SubscriptionConfig{UserID: "bob"}}

	if w := api.do(http.MethodDelete, "/api/v1/subscriptions/s9", "alice", ""); w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
	if w := api.do(http.MethodDelete, "/api/v1/subscriptions/s9", "bob", ""); w.Code != http.StatusOK {
		t.Errorf("owner cancel = %d", w.Code)
	}
	if api.subs.subs["s9"].Status != model.SubscriptionCancelled {
		t.Error("subscription not cancelled")
	}
}

func TestRequestExecution(t *testing.T) {
	api := newAPI()
	w := api.do(http.MethodPost, "/api/v1/executions", "alice",
		`{"symbol":"ethusdt","primary_exchange":"BYBIT","hedge_exchange":"binance","quantity":"3","graduated_parts":3,"subscription_id":"sneaky"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	req := api.pos.requests[0]
	if req.UserID != "alice" || req.Symbol != "ETHUSDT" || req.PrimaryExchange != "bybit" || req.SubscriptionID != "" {
		t.Errorf("request = %+v", req)
	}

	api.pos.execErr = &model.Error{Kind: model.KindConstraint, Op: "coordinator.request", Err: model.ErrEmergencyStopped}
	if w := api.do(http.MethodPost, "/api/v1/executions", "alice", `{"symbol":"ETHUSDT"}`); w.Code != http.StatusConflict {
		t.Errorf("stopped coordinator should yield 409, got %d", w.Code)
	}
}

func TestPositionRoutes(t *testing.T) {
	api := newAPI()
	if w := api.do(http.MethodGet, "/api/v1/positions/p1", "bob", ""); w.Code != http.StatusNotFound {
		t.Errorf("foreign position = %d", w.Code)
	}
	if w := api.do(http.MethodGet, "/api/v1/positions/p1", "alice", ""); w.Code != http.StatusOK {
		t.Errorf("own position = %d", w.Code)
	}

	if w := api.do(http.MethodPost, "/api/v1/positions/p1/tpsl", "alice", ""); w.Code != http.StatusNoContent || !api.pos.synced {
		t.Errorf("sync tpsl = %d synced=%v", w.Code, api.pos.synced)
	}
	w := api.do(http.MethodPost, "/api/v1/positions/p1/tpsl", "alice", `{"take_profit_pct":"0.05","stop_loss_pct":"0.02"}`)
	if w.Code != http.StatusNoContent || api.pos.protected == nil || api.pos.protected.StopLossPct.String() != "0.02" {
		t.Errorf("update tpsl = %d %+v", w.Code, api.pos.protected)
	}

	if w := api.do(http.MethodPost, "/api/v1/positions/p1/backfill-funding", "alice", ""); w.Code != http.StatusOK || api.fund.calls != 1 {
		t.Errorf("backfill = %d calls=%d", w.Code, api.fund.calls)
	}
	if w := api.do(http.MethodPost, "/api/v1/positions/p1/backfill-funding", "bob", ""); w.Code != http.StatusNotFound || api.fund.calls != 1 {
		t.Errorf("foreign backfill = %d calls=%d", w.Code, api.fund.calls)
	}
}

func TestStopAndResume(t *testing.T) {
	api := newAPI()
	if w := api.do(http.MethodPost, "/api/v1/stop", "ops", ""); w.Code != http.StatusOK || !api.pos.stopped {
		t.Fatalf("stop = %d", w.Code)
	}
	if w := api.do(http.MethodGet, "/healthz", "", ""); !strings.Contains(w.Body.String(), `"stopped":true`) {
		t.Errorf("healthz should report stop: %s", w.Body.String())
	}
	if w := api.do(http.MethodPost, "/api/v1/resume", "ops", ""); w.Code != http.StatusNoContent || api.pos.stopped {
		t.Errorf("resume = %d", w.Code)
	}
}

func TestMaintenanceRoutes(t *testing.T) {
	api := newAPI()
	w := api.do(http.MethodPost, "/api/v1/maintenance/cleanup", "ops", `{"statuses":["COMPLETED"],"older_than":"24h"}`)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"normalized":3`) {
		t.Fatalf("cleanup = %d %s", w.Code, w.Body.String())
	}
	if api.maint.cleanupArgs[1].(time.Duration) != 24*time.Hour || api.maint.cleanupArgs[2].(string) != "ops" {
		t.Errorf("cleanup args = %v", api.maint.cleanupArgs)
	}
	if w := api.do(http.MethodPost, "/api/v1/maintenance/cleanup", "ops", `{"older_than":"soon"}`); w.Code != http.StatusBadRequest {
		t.Errorf("bad duration = %d", w.Code)
	}
	if w := api.do(http.MethodPost, "/api/v1/positions/p1/mark-error", "ops", `{"reason":"manual"}`); w.Code != http.StatusNoContent || api.maint.marked != "p1:manual:ops" {
		t.Errorf("mark error = %d %s", w.Code, api.maint.marked)
	}
	if w := api.do(http.MethodGet, "/api/v1/reconcile/stuck?older_than=x", "ops", ""); w.Code != http.StatusBadRequest {
		t.Errorf("bad older_than = %d", w.Code)
	}
	if w := api.do(http.MethodGet, "/api/v1/reconcile/stuck", "ops", ""); w.Code != http.StatusOK || w.Body.String() != "[]" {
		t.Errorf("stuck = %d %s", w.Code, w.Body.String())
	}
	if w := api.do(http.MethodPost, "/api/v1/reconcile/liquidated", "ops", ""); w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"p9"`) {
		t.Errorf("liquidated = %d %s", w.Code, w.Body.String())
	}
}

func TestRecordingRoutes(t *testing.T) {
	api := newAPI()
	if w := api.do(http.MethodPost, "/api/v1/recordings", "ops", `{"exchange":"Bybit","symbol":"btcusdt"}`); w.Code != http.StatusCreated {
		t.Errorf("start = %d %s", w.Code, w.Body.String())
	}
	if w := api.do(http.MethodPost, "/api/v1/recordings", "ops", `{"exchange":"bybit","symbol":"badusdt"}`); w.Code != http.StatusUnprocessableEntity {
		t.Errorf("invalid snapshot = %d", w.Code)
	}
	if w := api.do(http.MethodDelete, "/api/v1/recordings/nope", "ops", ""); w.Code != http.StatusNotFound {
		t.Errorf("stop unknown = %d", w.Code)
	}
	if w := api.do(http.MethodPost, "/api/v1/recordings/cleanup", "ops", `{"older_than":"48h"}`); w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"deleted":48`) {
		t.Errorf("cleanup = %d %s", w.Code, w.Body.String())
	}
	if w := api.do(http.MethodPost, "/api/v1/recordings/cleanup", "ops", `{}`); w.Code != http.StatusBadRequest {
		t.Errorf("cleanup without older_than = %d", w.Code)
	}
}
