package exchange

import (
	"context"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// WSHelper provides common WebSocket functionality
type WSHelper struct {
	URL string
}

// DialWS creates a WebSocket connection with timeout
func (w *WSHelper) DialWS(ctx context.Context) (*websocket.Conn, error) {
	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(cctx, w.URL, nil)
	return conn, err
}

// ReadWithPing reads WebSocket messages with periodic pings
func (w *WSHelper) ReadWithPing(ctx context.Context, conn *websocket.Conn, ping []byte, onMessage func([]byte)) error {
	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	pingTicker := time.NewTicker(20 * time.Second)
	defer pingTicker.Stop()

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		for {
			_, b, err := conn.ReadMessage()
			if err != nil {
				errCh <- err
				return
			}
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			onMessage(b)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close()
			return ctx.Err()
		case err := <-errCh:
			return err
		case <-pingTicker.C:
			// 有些交易所要求应用层 ping（文本消息），其余用协议层 ping
			if ping != nil {
				_ = conn.WriteMessage(websocket.TextMessage, ping)
			} else {
				_ = conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(5*time.Second))
			}
		}
	}
}

// Reconnect 断线自动重连，直到 ctx 结束
func Reconnect(ctx context.Context, name string, session func(ctx context.Context) error) {
	backoff := 500 * time.Millisecond
	maxBackoff := 10 * time.Second

	for {
		if ctx.Err() != nil {
			return
		}
		log.Info().Str("feed", name).Msg("ws connecting")
		started := time.Now()
		err := session(ctx)
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return
		}
		// 连接保持过一段时间则重置退避
		if time.Since(started) > time.Minute {
			backoff = 500 * time.Millisecond
		}
		log.Warn().Str("feed", name).Err(err).Dur("backoff", backoff).Msg("ws disconnected, reconnecting")

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = MinDuration(backoff*2, maxBackoff)
	}
}

// MinDuration returns the minimum of two durations
func MinDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
