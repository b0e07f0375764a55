// Package livequery はドキュメントストアの変更通知をトピック単位で配信する。
//
// ストアへの書き込みはトピック（messages:<会話ID>, conversations, session:<ID>）への
// 通知として発行され、購読者は通知を受けるたびにスナップショットを再取得する。
// 通知はペイロードを持たず、購読者ごとに1件まで合流（coalesce）される。
package livequery

import "sync"

// Channel はPostgreSQLのLISTEN/NOTIFYで使用するチャネル名。
const Channel = "portaldesk_changes"

// TopicConversations は会話一覧の変更トピック。
const TopicConversations = "conversations"

// MessagesTopic は指定会話のメッセージ変更トピックを返す。
func MessagesTopic(conversationID string) string {
	return "messages:" + conversationID
}

// SessionTopic は指定セッションの変更トピックを返す。
func SessionTopic(sessionID string) string {
	return "session:" + sessionID
}

// Feed は変更通知の購読インターフェース。
type Feed interface {
	// Subscribe はトピックの通知チャネルと購読解除関数を返す。
	// 購読解除関数は冪等。
	Subscribe(topic string) (<-chan struct{}, func())
}

// Hub はプロセス内の変更通知ハブ。
// 通知は非ブロッキングで送られ、未読の通知がある購読者には重ねて送らない。
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[uint64]chan struct{}
	next uint64
}

// NewHub はHubを生成する。
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[uint64]chan struct{})}
}

// Subscribe はトピックを購読する。
func (h *Hub) Subscribe(topic string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	h.mu.Lock()
	h.next++
	id := h.next
	set := h.subs[topic]
	if set == nil {
		set = make(map[uint64]chan struct{})
		h.subs[topic] = set
	}
	set[id] = ch
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if set, ok := h.subs[topic]; ok {
				delete(set, id)
				if len(set) == 0 {
					delete(h.subs, topic)
				}
			}
		})
	}
	return ch, cancel
}

// Publish はトピックの全購読者に通知する。
func (h *Hub) Publish(topic string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs[topic] {
		notify(ch)
	}
}

// PublishAll は全トピックの購読者に通知する。
// 通知を取りこぼした可能性がある場合（LISTEN接続の再確立後など）に使用する。
func (h *Hub) PublishAll() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, set := range h.subs {
		for _, ch := range set {
			notify(ch)
		}
	}
}

// SubscriberCount はトピックの購読者数を返す。テストおよびメトリクス用。
func (h *Hub) SubscriberCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[topic])
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// compile-time interface check
var _ Feed = (*Hub)(nil)
