package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"fundingarb/internal/application/port"
	"fundingarb/internal/domain/model"
)

// SnapshotObserver 录制器的采样来源
type SnapshotObserver interface {
	Observe(ctx context.Context, exchange, symbol string) (model.FundingSnapshot, error)
}

// RecorderConfig 录制参数
type RecorderConfig struct {
	Before         time.Duration // 结算前开始
	After          time.Duration // 结算后结束
	SampleInterval time.Duration
}

// Recorder 资金费结算前后的时间序列录制
type Recorder struct {
	store   port.RecordingRepository
	source  SnapshotObserver
	archive port.RecordingArchive
	cfg     RecorderConfig
	now     func() time.Time

	mu      sync.Mutex
	running map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// NewRecorder 创建录制器；archive 为空时不归档
func NewRecorder(store port.RecordingRepository, source SnapshotObserver, archive port.RecordingArchive, cfg RecorderConfig) *Recorder {
	if cfg.Before <= 0 {
		cfg.Before = 5 * time.Minute
	}
	if cfg.After <= 0 {
		cfg.After = 5 * time.Minute
	}
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = time.Second
	}
	return &Recorder{
		store:   store,
		source:  source,
		archive: archive,
		cfg:     cfg,
		now:     time.Now,
		running: make(map[string]context.CancelFunc),
	}
}

// StartSession 以下一次结算时间 T 为中心录制 [T-before, T+after]
func (r *Recorder) StartSession(ctx context.Context, exchange, symbol string) (model.RecordingSession, error) {
	snap, err := r.source.Observe(ctx, exchange, symbol)
	if err != nil {
		return model.RecordingSession{}, err
	}
	now := r.now()
	t := snap.NextFundingTime
	rs := model.RecordingSession{
		ID:                 uuid.NewString(),
		Exchange:           exchange,
		Symbol:             symbol,
		FundingRate:        snap.FundingRate,
		FundingPaymentTime: t,
		WindowStart:        t.Add(-r.cfg.Before),
		WindowEnd:          t.Add(r.cfg.After),
		Status:             model.RecordingActive,
		CreatedAt:          now,
	}
	if !now.Before(rs.WindowEnd) {
		return model.RecordingSession{}, &model.Error{Kind: model.KindDataQuality, Op: "recorder.start", Reason: "funding window already closed"}
	}
	if err := r.store.CreateSession(ctx, rs); err != nil {
		return model.RecordingSession{}, fmt.Errorf("create session: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.mu.Lock()
	r.running[rs.ID] = cancel
	r.mu.Unlock()
	r.wg.Add(1)
	go r.record(runCtx, rs)

	log.Info().
		Str("session", rs.ID).
		Str("exchange", exchange).
		Str("symbol", symbol).
		Time("funding", t).
		Time("window_start", rs.WindowStart).
		Time("window_end", rs.WindowEnd).
		Msg("recording session started")
	return rs, nil
}

func (r *Recorder) record(ctx context.Context, rs model.RecordingSession) {
	defer r.wg.Done()
	defer func() {
		r.mu.Lock()
		if cancel, ok := r.running[rs.ID]; ok {
			cancel()
			delete(r.running, rs.ID)
		}
		r.mu.Unlock()
	}()

	if wait := rs.WindowStart.Sub(r.now()); wait > 0 {
		if err := sleepCtx(ctx, wait); err != nil {
			r.finish(rs, nil)
			return
		}
	}

	ticker := time.NewTicker(r.cfg.SampleInterval)
	defer ticker.Stop()
	for {
		if r.now().After(rs.WindowEnd) {
			break
		}
		if err := r.sample(ctx, &rs); err != nil {
			r.finish(rs, err)
			return
		}
		select {
		case <-ctx.Done():
			r.finish(rs, nil)
			return
		case <-ticker.C:
		}
	}
	r.finish(rs, nil)
}

// sample 采样一次；无效快照跳过，只有存储失败才返回错误
func (r *Recorder) sample(ctx context.Context, rs *model.RecordingSession) error {
	snap, err := r.source.Observe(ctx, rs.Exchange, rs.Symbol)
	if err != nil {
		log.Debug().Str("session", rs.ID).Err(err).Msg("sample skipped")
		return nil
	}
	mark, _ := snap.Mark()
	captured := r.now()
	dp := model.DataPoint{
		SessionID:       rs.ID,
		Seq:             rs.TotalDataPoints + 1,
		CapturedAt:      captured,
		OffsetMs:        captured.Sub(rs.FundingPaymentTime).Milliseconds(),
		MarkPrice:       mark,
		FundingRate:     snap.FundingRate,
		NextFundingTime: snap.NextFundingTime,
	}
	if err := r.store.AppendDataPoint(ctx, dp); err != nil {
		return fmt.Errorf("append data point: %w", err)
	}
	rs.TotalDataPoints = dp.Seq
	return nil
}

// finish 写入最终状态；有样本为 COMPLETED，否则 ERROR
func (r *Recorder) finish(rs model.RecordingSession, cause error) {
	ctx := context.Background()
	at := r.now()
	rs.CompletedAt = &at
	switch {
	case cause != nil:
		rs.Status = model.RecordingError
		rs.ErrorMessage = cause.Error()
	case rs.TotalDataPoints == 0:
		rs.Status = model.RecordingError
		rs.ErrorMessage = "no valid samples captured"
	default:
		rs.Status = model.RecordingCompleted
	}

	if rs.Status == model.RecordingCompleted && r.archive != nil {
		points, err := r.store.ListDataPoints(ctx, rs.ID)
		if err == nil {
			rs.ArchiveKey, err = r.archive.Archive(ctx, rs, points)
		}
		if err != nil {
			log.Warn().Str("session", rs.ID).Err(err).Msg("archive recording failed")
		}
	}
	if err := r.store.UpdateSession(ctx, rs); err != nil {
		log.Error().Str("session", rs.ID).Err(err).Msg("persist recording session failed")
	}
	log.Info().
		Str("session", rs.ID).
		Str("status", string(rs.Status)).
		Int("points", rs.TotalDataPoints).
		Str("archive", rs.ArchiveKey).
		Msg("recording session finished")
}

// StopSession 提前结束录制
func (r *Recorder) StopSession(ctx context.Context, id string) error {
	r.mu.Lock()
	cancel, ok := r.running[id]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("recording %s not running: %w", id, model.ErrNotFound)
	}
	cancel()
	return nil
}

// Session 查询会话
func (r *Recorder) Session(ctx context.Context, id string) (model.RecordingSession, error) {
	return r.store.GetSession(ctx, id)
}

// Sessions 全部会话
func (r *Recorder) Sessions(ctx context.Context) ([]model.RecordingSession, error) {
	return r.store.ListSessions(ctx)
}

// DataPoints 会话样本（按 seq 递增）
func (r *Recorder) DataPoints(ctx context.Context, id string) ([]model.DataPoint, error) {
	return r.store.ListDataPoints(ctx, id)
}

// Cleanup 删除早于 olderThan 的已结束会话及其样本
func (r *Recorder) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	n, err := r.store.DeleteSessionsBefore(ctx, r.now().Add(-olderThan))
	if err != nil {
		return 0, err
	}
	log.Info().Int("sessions", n).Msg("recording sessions cleaned up")
	return n, nil
}

// Close 停止所有录制并等待结束
func (r *Recorder) Close() {
	r.mu.Lock()
	for _, cancel := range r.running {
		cancel()
	}
	r.mu.Unlock()
	r.wg.Wait()
}
