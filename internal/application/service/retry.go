package service

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"fundingarb/internal/domain/model"
	domainsvc "fundingarb/internal/domain/service"
)

// withRetry 仅对瞬时错误做有限次指数退避重试，其余错误立即返回
func withRetry(ctx context.Context, policy domainsvc.RetryPolicy, op string, fn func() error) error {
	var err error
	attempts := policy.Attempts()
	for attempt := 0; attempt < attempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if !model.IsTransient(err) || attempt == attempts-1 {
			break
		}
		wait := policy.Delay(attempt)
		log.Debug().
			Str("op", op).
			Int("attempt", attempt+1).
			Dur("backoff", wait).
			Err(err).
			Msg("transient failure, retrying")
		if serr := sleepCtx(ctx, wait); serr != nil {
			return serr
		}
	}
	return err
}

// sleepCtx 可被 ctx 打断的等待
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
