package livequery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"
)

// pingInterval はLISTEN接続の死活確認間隔。
const pingInterval = 90 * time.Second

// PGListener はPostgreSQLのNOTIFYをHubへ中継する。
// トリガーがpg_notify(Channel, トピック)を発行し、ペイロードをそのままトピックとして扱う。
type PGListener struct {
	listener *pq.Listener
	hub      *Hub
	logger   *slog.Logger
}

// NewPGListener はPGListenerを生成する。接続はバックグラウンドで確立される。
func NewPGListener(databaseURL string, minReconnect, maxReconnect time.Duration, hub *Hub, logger *slog.Logger) *PGListener {
	l := &PGListener{hub: hub, logger: logger}
	l.listener = pq.NewListener(databaseURL, minReconnect, maxReconnect, l.onEvent)
	return l
}

// Run はctxがキャンセルされるまで通知を中継する。
func (l *PGListener) Run(ctx context.Context) error {
	if err := l.listener.Listen(Channel); err != nil {
		return fmt.Errorf("failed to listen on %s: %w", Channel, err)
	}
	defer l.listener.Close()

	l.logger.Info("live query listener started", slog.String("channel", Channel))

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("live query listener stopped")
			return nil
		case n := <-l.listener.Notify:
			if n == nil {
				// 再接続直後は取りこぼしがあり得るため全購読者に再取得させる
				l.hub.PublishAll()
				continue
			}
			l.hub.Publish(n.Extra)
		case <-ticker.C:
			go func() {
				if err := l.listener.Ping(); err != nil {
					l.logger.Warn("live query listener ping failed", slog.String("error", err.Error()))
				}
			}()
		}
	}
}

func (l *PGListener) onEvent(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventConnected:
		l.logger.Info("live query listener connected")
	case pq.ListenerEventDisconnected:
		l.logger.Warn("live query listener disconnected", slog.Any("error", err))
	case pq.ListenerEventReconnected:
		l.logger.Info("live query listener reconnected")
	case pq.ListenerEventConnectionAttemptFailed:
		l.logger.Error("live query listener connection attempt failed", slog.Any("error", err))
	}
}
