// Package memory 进程内存储，用于 dry-run 与测试
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"fundingarb/internal/application/port"
	"fundingarb/internal/domain/model"
)

// Store 内存实现，所有操作在同一把锁内完成，插入即为原子的条件插入
type Store struct {
	mu            sync.RWMutex
	positions     map[string]model.Position
	payments      map[string]model.FundingPayment
	subscriptions map[string]model.Subscription
	sessions      map[string]model.RecordingSession
	points        map[string][]model.DataPoint
	audit         []model.AuditRecord
}

var _ port.Store = (*Store)(nil)

// New 创建内存存储
func New() *Store {
	return &Store{
		positions:     make(map[string]model.Position),
		payments:      make(map[string]model.FundingPayment),
		subscriptions: make(map[string]model.Subscription),
		sessions:      make(map[string]model.RecordingSession),
		points:        make(map[string][]model.DataPoint),
	}
}

func (s *Store) Close() error { return nil }

// ===== Position =====

func (s *Store) InsertIfAbsent(_ context.Context, p model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.positions[p.ID]; ok {
		return fmt.Errorf("position %s already exists: %w", p.ID, model.ErrDuplicateActivePosition)
	}
	for _, cur := range s.positions {
		if cur.Status.IsTerminal() {
			continue
		}
		if cur.UserID == p.UserID && cur.Symbol == p.Symbol {
			return fmt.Errorf("user %s already has %s position %s: %w", p.UserID, p.Symbol, cur.ID, model.ErrDuplicateActivePosition)
		}
		if cur.Symbol == p.Symbol && cur.Primary.Exchange == p.Primary.Exchange && cur.Hedge.Exchange == p.Hedge.Exchange {
			return fmt.Errorf("%s %s/%s already executing as %s: %w", p.Symbol, p.Primary.Exchange, p.Hedge.Exchange, cur.ID, model.ErrDuplicateActivePosition)
		}
	}
	s.positions[p.ID] = p.Clone()
	return nil
}

func (s *Store) GetPosition(_ context.Context, id string) (model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[id]
	if !ok {
		return model.Position{}, fmt.Errorf("position %s: %w", id, model.ErrNotFound)
	}
	return p.Clone(), nil
}

func (s *Store) UpdatePosition(_ context.Context, p model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.positions[p.ID]
	if !ok {
		return fmt.Errorf("position %s: %w", p.ID, model.ErrNotFound)
	}
	if cur.Status.IsTerminal() {
		return fmt.Errorf("position %s is %s: %w", p.ID, cur.Status, model.ErrTerminalStatus)
	}
	next := p.Clone()
	keepFunding(&next, &cur)
	s.positions[p.ID] = next
	return nil
}

// keepFunding 资金费字段只由 ApplyFunding 写入
func keepFunding(dst, src *model.Position) {
	dst.LastFundingPaid = src.LastFundingPaid
	dst.LastFundingAt = src.LastFundingAt
	dst.TotalFundingEarned = src.TotalFundingEarned
	dst.Primary.FundingEarned = src.Primary.FundingEarned
	dst.Hedge.FundingEarned = src.Hedge.FundingEarned
}

func (s *Store) ListPositionsByUser(_ context.Context, userID string, activeOnly bool) ([]model.Position, error) {
	return s.filterPositions(func(p *model.Position) bool {
		return p.UserID == userID && (!activeOnly || !p.Status.IsTerminal())
	}), nil
}

func (s *Store) ListPositionsByStatus(_ context.Context, statuses ...model.PositionStatus) ([]model.Position, error) {
	want := make(map[model.PositionStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	return s.filterPositions(func(p *model.Position) bool { return want[p.Status] }), nil
}

func (s *Store) ListDueExits(_ context.Context, now time.Time) ([]model.Position, error) {
	return s.filterPositions(func(p *model.Position) bool {
		return p.Status == model.PositionActive && p.ExitAt != nil && !p.ExitAt.After(now)
	}), nil
}

func (s *Store) filterPositions(keep func(*model.Position) bool) []model.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Position, 0)
	for _, p := range s.positions {
		if keep(&p) {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *Store) OverrideStatus(_ context.Context, id string, status model.PositionStatus, note string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[id]
	if !ok {
		return fmt.Errorf("position %s: %w", id, model.ErrNotFound)
	}
	p.Status = status
	if status == model.PositionError && p.ErrorMessage == "" {
		p.ErrorMessage = note
	}
	p.AddNote(note)
	if status.IsTerminal() && p.CompletedAt == nil {
		p.CompletedAt = &at
	}
	s.positions[id] = p
	return nil
}

func (s *Store) DeletePosition(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.positions[id]; !ok {
		return fmt.Errorf("position %s: %w", id, model.ErrNotFound)
	}
	delete(s.positions, id)
	for k, pay := range s.payments {
		if pay.PositionID == id {
			delete(s.payments, k)
		}
	}
	return nil
}

// ===== Funding =====

func (s *Store) ApplyFunding(_ context.Context, pay model.FundingPayment) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[pay.PositionID]
	if !ok {
		return false, fmt.Errorf("position %s: %w", pay.PositionID, model.ErrNotFound)
	}
	if _, dup := s.payments[pay.Key()]; dup {
		return false, nil
	}
	s.payments[pay.Key()] = pay

	ft := pay.FundingTime
	p.LastFundingPaid = pay.Amount
	p.LastFundingAt = &ft
	p.TotalFundingEarned = p.TotalFundingEarned.Add(pay.Amount)
	leg := p.Leg(pay.Role)
	leg.FundingEarned = leg.FundingEarned.Add(pay.Amount)
	s.positions[p.ID] = p
	return true, nil
}

func (s *Store) ListFundingPayments(_ context.Context, positionID string) ([]model.FundingPayment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.FundingPayment, 0)
	for _, pay := range s.payments {
		if pay.PositionID == positionID {
			out = append(out, pay)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FundingTime.Before(out[j].FundingTime) })
	return out, nil
}

// ===== Subscription =====

func (s *Store) InsertSubscriptionIfAbsent(_ context.Context, sub model.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cur := range s.subscriptions {
		if !cur.Status.IsTerminal() && cur.Key() == sub.Key() {
			return fmt.Errorf("%s already has subscription %s: %w", sub.Key(), cur.ID, model.ErrDuplicateActiveSubscription)
		}
	}
	s.subscriptions[sub.ID] = sub
	return nil
}

func (s *Store) GetSubscription(_ context.Context, id string) (model.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subscriptions[id]
	if !ok {
		return model.Subscription{}, fmt.Errorf("subscription %s: %w", id, model.ErrNotFound)
	}
	return sub, nil
}

func (s *Store) UpdateSubscription(_ context.Context, sub model.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.subscriptions[sub.ID]
	if !ok {
		return fmt.Errorf("subscription %s: %w", sub.ID, model.ErrNotFound)
	}
	if cur.Status.IsTerminal() {
		return fmt.Errorf("subscription %s is %s: %w", sub.ID, cur.Status, model.ErrTerminalStatus)
	}
	s.subscriptions[sub.ID] = sub
	return nil
}

func (s *Store) ListSubscriptions(_ context.Context, statuses ...model.SubscriptionStatus) ([]model.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	want := make(map[model.SubscriptionStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	out := make([]model.Subscription, 0)
	for _, sub := range s.subscriptions {
		if len(want) == 0 || want[sub.Status] {
			out = append(out, sub)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ===== Recording =====

func (s *Store) CreateSession(_ context.Context, rs model.RecordingSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[rs.ID]; ok {
		return fmt.Errorf("recording session %s already exists", rs.ID)
	}
	s.sessions[rs.ID] = rs
	return nil
}

func (s *Store) UpdateSession(_ context.Context, rs model.RecordingSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[rs.ID]; !ok {
		return fmt.Errorf("recording session %s: %w", rs.ID, model.ErrNotFound)
	}
	s.sessions[rs.ID] = rs
	return nil
}

func (s *Store) GetSession(_ context.Context, id string) (model.RecordingSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rs, ok := s.sessions[id]
	if !ok {
		return model.RecordingSession{}, fmt.Errorf("recording session %s: %w", id, model.ErrNotFound)
	}
	return rs, nil
}

func (s *Store) ListSessions(_ context.Context) ([]model.RecordingSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.RecordingSession, 0, len(s.sessions))
	for _, rs := range s.sessions {
		out = append(out, rs)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) AppendDataPoint(_ context.Context, p model.DataPoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[p.SessionID]; !ok {
		return fmt.Errorf("recording session %s: %w", p.SessionID, model.ErrNotFound)
	}
	pts := s.points[p.SessionID]
	if n := len(pts); n > 0 && p.Seq <= pts[n-1].Seq {
		return fmt.Errorf("data point seq %d not after %d", p.Seq, pts[n-1].Seq)
	}
	s.points[p.SessionID] = append(pts, p)
	return nil
}

func (s *Store) ListDataPoints(_ context.Context, sessionID string) ([]model.DataPoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.DataPoint(nil), s.points[sessionID]...), nil
}

func (s *Store) DeleteSessionsBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, rs := range s.sessions {
		if rs.Status == model.RecordingActive || !rs.CreatedAt.Before(cutoff) {
			continue
		}
		delete(s.sessions, id)
		delete(s.points, id)
		n++
	}
	return n, nil
}

// ===== Audit =====

func (s *Store) AppendAudit(_ context.Context, rec model.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, rec)
	return nil
}

func (s *Store) ListAudit(_ context.Context, limit int) ([]model.AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := len(s.audit)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]model.AuditRecord, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, s.audit[i])
	}
	return out, nil
}
