package gateway

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hitoshi/portaldesk/internal/livequery"
	"github.com/hitoshi/portaldesk/internal/metrics"
	"github.com/hitoshi/portaldesk/internal/model"
	"github.com/hitoshi/portaldesk/internal/repository"
)

// Subscription はライブクエリ購読の停止ハンドル。
type Subscription interface {
	// Unsubscribe は購読を停止する。冪等。
	// 戻った時点で、このリスナーのコールバックは実行中でなく、以後も実行されない。
	Unsubscribe()
}

// Listener は1つのライブクエリを監視するゴルーチンのハンドル。
//
// 通知を受けるたびにスナップショットを再取得し、直前の配信と異なる場合のみコールバックを呼ぶ。
// コールバックは配信ロックを保持したまま実行されるため、
// コールバック内から同じListenerのUnsubscribeを呼んではならない。
type Listener struct {
	stopped atomic.Bool
	closed  atomic.Bool
	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	onClose func()
}

// Unsubscribe は購読を停止する。
func (l *Listener) Unsubscribe() {
	l.stopped.Store(true)
	l.cancel()
	// 配信中のコールバックの完了を待つ
	l.mu.Lock()
	l.mu.Unlock()

	if l.closed.CompareAndSwap(false, true) && l.onClose != nil {
		l.onClose()
	}
}

// Done はリスナーのゴルーチンが終了すると閉じられるチャネルを返す。
func (l *Listener) Done() <-chan struct{} {
	return l.done
}

// deliver は停止していなければfnを配信ロック下で実行する。実行した場合はtrueを返す。
func (l *Listener) deliver(logger *slog.Logger, fn func()) (ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped.Load() {
		return false
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Error("snapshot callback panicked", slog.Any("panic", r))
			ok = true
		}
	}()
	fn()
	return true
}

// SubscribeMessages は会話のメッセージを購読する。
// スナップショットは新しい順に最大60件を取得し、作成時刻の昇順で配信される。
// 取得に失敗するとonErrorにmodel.ErrRemoteOperationFailedでラップしたエラーを渡す。
// 失敗が続く間は最初の1回だけ通知し、リスナーは次の変更通知で再取得する。onErrorはnilでもよい。
func (g *Gateway) SubscribeMessages(conversationID string, onSnapshot func([]model.Message), onError func(error)) (Subscription, error) {
	if !g.Configured() {
		return nil, model.ErrRemoteUnavailable
	}

	load := func(ctx context.Context) ([]model.Message, error) {
		return g.store.Messages().ListLatest(ctx, conversationID, repository.MessageSnapshotLimit)
	}
	l := startListener(g, metrics.KindMessages, livequery.MessagesTopic(conversationID), &g.openMessages,
		load, sameMessages, onSnapshot, onError)
	g.logger.Debug("message listener opened", slog.String("conversation_id", conversationID))
	return l, nil
}

// SubscribeConversations は全会話をupdated_atの新しい順に最大200件購読する。
// onErrorの扱いはSubscribeMessagesと同じ。
func (g *Gateway) SubscribeConversations(onSnapshot func([]model.Conversation), onError func(error)) (Subscription, error) {
	if !g.Configured() {
		return nil, model.ErrRemoteUnavailable
	}

	load := func(ctx context.Context) ([]model.Conversation, error) {
		return g.store.Conversations().ListRecent(ctx, repository.ConversationSnapshotLimit)
	}
	l := startListener(g, metrics.KindConversations, livequery.TopicConversations, &g.openConversations,
		load, sameConversations, onSnapshot, onError)
	g.logger.Debug("conversation listener opened")
	return l, nil
}

// startListener はトピックを購読し、スナップショットの取得と配信を行うゴルーチンを開始する。
// 初回取得の前に購読するため、初回取得と並行した変更も取りこぼさない。
func startListener[T any](
	g *Gateway,
	kind, topic string,
	open *atomic.Int64,
	load func(context.Context) ([]T, error),
	same func(a, b []T) bool,
	onSnapshot func([]T),
	onError func(error),
) *Listener {
	ctx, cancel := context.WithCancel(g.baseCtx)
	l := &Listener{
		cancel: cancel,
		done:   make(chan struct{}),
		onClose: func() {
			open.Add(-1)
			g.metrics.ListenerClosed(kind)
		},
	}
	open.Add(1)
	g.metrics.ListenerOpened(kind)

	var signals <-chan struct{}
	unsubscribeFeed := func() {}
	if g.feed != nil {
		signals, unsubscribeFeed = g.feed.Subscribe(topic)
	}

	go func() {
		defer close(l.done)
		defer unsubscribeFeed()
		defer func() {
			if r := recover(); r != nil {
				g.logger.Error("listener panicked", slog.String("topic", topic), slog.Any("panic", r))
			}
		}()

		var last []T
		delivered := false
		failing := false
		for {
			start := time.Now()
			snapshot, err := load(ctx)
			if ctx.Err() != nil {
				return
			}

			switch {
			case err != nil:
				wrapped := g.fail("snapshot_"+kind, err)
				if !failing && onError != nil {
					if !l.deliver(g.logger, func() { onError(wrapped) }) {
						return
					}
				}
				failing = true
			case delivered && same(last, snapshot):
				failing = false
				g.metrics.RecordSnapshotSuppressed(kind)
			default:
				failing = false
				if !l.deliver(g.logger, func() { onSnapshot(snapshot) }) {
					return
				}
				last = snapshot
				delivered = true
				g.metrics.RecordSnapshot(kind, time.Since(start))
			}

			select {
			case <-ctx.Done():
				return
			case <-signals:
			}
		}
	}()

	return l
}

// sameMessages はメッセージ列が同一かを返す。メッセージは不変のためIDのみ比較する。
func sameMessages(a, b []model.Message) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ID != b[i].ID {
			return false
		}
	}
	return true
}

// sameConversations は会話一覧が同一かを返す。
func sameConversations(a, b []model.Conversation) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		x, y := a[i], b[i]
		if x.ID != y.ID || x.ClientEmail != y.ClientEmail || x.ClientName != y.ClientName ||
			!x.UpdatedAt.Equal(y.UpdatedAt) || !sameTime(x.LastMessageAt, y.LastMessageAt) {
			return false
		}
	}
	return true
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

// compile-time interface check
var _ Subscription = (*Listener)(nil)
