// Package chatsync はビューごとの会話同期コントローラーを提供する。
//
// Controllerは選択中の会話とライブクエリリスナーのライフサイクルを所有し、
// 受信したスナップショットをViewへ描画する。
// メッセージリスナーはController1つにつき常に高々1つ。
package chatsync

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/hitoshi/portaldesk/internal/gateway"
	"github.com/hitoshi/portaldesk/internal/model"
)

// Mode はコントローラーの動作モード。
type Mode string

const (
	// ModePortal は顧客ポータル。サインインした顧客自身の会話のみを扱う。
	ModePortal Mode = "portal"
	// ModeAdmin は管理コンソール。全会話の一覧から選択する。
	ModeAdmin Mode = "admin"
)

// Side はモードに対応するメッセージ送信側を返す。
func (m Mode) Side() model.Side {
	if m == ModeAdmin {
		return model.SideAdmin
	}
	return model.SideClient
}

// DefaultRole はモードに対応するプロフィールの初期ロールを返す。
func (m Mode) DefaultRole() model.Role {
	if m == ModeAdmin {
		return model.RoleAdmin
	}
	return model.RoleClient
}

// State はコントローラーの状態。
type State string

const (
	StateUnbound          State = "unbound"
	StateBoundNoSelection State = "bound_no_selection"
	StateBoundSelected    State = "bound_selected"
)

var (
	// ErrNoSelection は会話が選択されていない状態で送信しようとしたことを示す。
	ErrNoSelection = errors.New("no conversation selected")
	// ErrNotBound はサインインしていない状態で操作しようとしたことを示す。
	ErrNotBound = errors.New("controller is not bound to a user")
)

// Remote はControllerが使用するゲートウェイ操作。
type Remote interface {
	SubscribeMessages(conversationID string, onSnapshot func([]model.Message), onError func(error)) (gateway.Subscription, error)
	SubscribeConversations(onSnapshot func([]model.Conversation), onError func(error)) (gateway.Subscription, error)
	SendMessage(ctx context.Context, conversationID string, draft model.MessageDraft) (*model.Message, error)
}

// View はControllerの描画先。
// 各メソッドは状態ロックを保持したまま呼ばれるため、Controllerを呼び返してはならない。
type View interface {
	// RenderMessages は会話のメッセージ一覧を置き換える。conversationIDが空なら表示を消す。
	RenderMessages(conversationID string, messages []model.Message)
	// RenderConversations は会話一覧を置き換える。selectedIDは選択中の会話（強調表示用）。
	RenderConversations(conversations []model.Conversation, selectedID string)
	// RenderSelection は選択中の会話が変わったことを通知する。空文字列は選択解除。
	RenderSelection(conversationID string)
	// RenderError はスナップショットの取得失敗を1回限りのメッセージとして表示する。
	// リスナーは開いたままで、次の変更で再取得される。
	RenderError(err error)
}

// Controller は会話同期コントローラー。
//
// 状態遷移（Bind, Select, Unbind）はopMuで直列化される。
// スナップショットのコールバックはmuのみを取得するため、
// 遷移中にリスナーの停止を待ってもデッドロックしない。
type Controller struct {
	mode   Mode
	remote Remote
	view   View
	logger *slog.Logger

	opMu sync.Mutex

	mu            sync.Mutex
	state         State
	identity      *model.Identity
	selected      string
	messages      []model.Message
	conversations []model.Conversation

	nextToken    uint64
	msgToken     uint64
	convToken    uint64
	epoch        uint64
	msgSub       gateway.Subscription
	convSub      gateway.Subscription
	autoSelectOn bool
}

// New はControllerを生成する。
func New(mode Mode, remote Remote, view View, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		mode:   mode,
		remote: remote,
		view:   view,
		logger: logger.With(slog.String("view", string(mode))),
		state:  StateUnbound,
	}
}

// Mode はコントローラーの動作モードを返す。
func (c *Controller) Mode() Mode {
	return c.mode
}

// Bind はサインインしたユーザーにコントローラーを結び付ける。
// ポータルは本人の会話を選択し、管理コンソールは会話一覧の購読を開始する。
// 別のユーザーに結び付いている場合は先に解除する。同じユーザーなら何もしない。
func (c *Controller) Bind(identity model.Identity) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	current := c.identity
	c.mu.Unlock()
	if current != nil {
		if current.UID == identity.UID {
			return nil
		}
		c.unbindLocked()
	}

	c.mu.Lock()
	id := identity
	c.identity = &id
	c.epoch++
	if c.mode == ModeAdmin {
		c.state = StateBoundNoSelection
	}
	c.mu.Unlock()

	var err error
	if c.mode == ModePortal {
		err = c.selectLocked(identity.UID)
	} else {
		err = c.openConversationsLocked()
	}
	if err != nil {
		c.unbindLocked()
		return err
	}

	c.logger.Info("view bound", slog.String("uid", identity.UID))
	return nil
}

// Select は会話を選択し、そのメッセージの購読を開始する。
// 既存のメッセージリスナーは新しいリスナーを開く前に停止する。
func (c *Controller) Select(conversationID string) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	identity := c.identity
	same := c.selected == conversationID && c.msgSub != nil
	c.mu.Unlock()

	switch {
	case identity == nil:
		return ErrNotBound
	case conversationID == "":
		return ErrNoSelection
	case c.mode == ModePortal && conversationID != identity.UID:
		return model.ErrForbidden
	case same:
		return nil
	}
	return c.selectLocked(conversationID)
}

// Unbind は全リスナーを停止し、選択と描画状態を初期化する。
// 戻った後に到着したスナップショットは破棄される。
func (c *Controller) Unbind() {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.unbindLocked()
}

// Send は選択中の会話にビューの送信側としてメッセージを送る。
// 送信の失敗はリスナーの状態に影響しない。
func (c *Controller) Send(ctx context.Context, text string, file *model.FileRef) (*model.Message, error) {
	c.mu.Lock()
	identity := c.identity
	conversationID := c.selected
	c.mu.Unlock()

	if identity == nil {
		return nil, ErrNotBound
	}
	if conversationID == "" {
		return nil, ErrNoSelection
	}
	draft := model.DraftFrom(*identity, c.mode.Side(), text, file)
	return c.remote.SendMessage(ctx, conversationID, draft)
}

// State は現在の状態を返す。
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Selected は選択中の会話IDを返す。未選択なら空文字列。
func (c *Controller) Selected() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selected
}

// Identity は結び付いているユーザーを返す。未サインインならnil。
func (c *Controller) Identity() *model.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.identity == nil {
		return nil
	}
	id := *c.identity
	return &id
}

// Messages は描画中のメッセージ一覧のコピーを返す。
func (c *Controller) Messages() []model.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.Message(nil), c.messages...)
}

// Conversations は描画中の会話一覧のコピーを返す。
func (c *Controller) Conversations() []model.Conversation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.Conversation(nil), c.conversations...)
}

// selectLocked はopMu保持中に呼ぶ。
func (c *Controller) selectLocked(conversationID string) error {
	c.mu.Lock()
	old := c.msgSub
	c.msgSub = nil
	c.nextToken++
	token := c.nextToken
	c.msgToken = token
	c.selected = conversationID
	c.state = StateBoundSelected
	c.messages = nil
	c.view.RenderSelection(conversationID)
	c.view.RenderMessages(conversationID, nil)
	if c.mode == ModeAdmin && c.conversations != nil {
		c.view.RenderConversations(c.conversations, conversationID)
	}
	c.mu.Unlock()

	// 停止中のコールバックがmuを待っている可能性があるため、状態ロックの外で停止する
	if old != nil {
		old.Unsubscribe()
	}

	sub, err := c.remote.SubscribeMessages(conversationID, func(msgs []model.Message) {
		c.applyMessages(token, conversationID, msgs)
	}, func(err error) {
		c.reportError(func() bool { return token == c.msgToken }, err)
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.msgToken = 0
		c.selected = ""
		if c.mode == ModeAdmin {
			c.state = StateBoundNoSelection
		}
		c.view.RenderSelection("")
		c.logger.Warn("failed to open message listener",
			slog.String("conversation_id", conversationID),
			slog.String("error", err.Error()),
		)
		return err
	}
	c.msgSub = sub
	return nil
}

// openConversationsLocked はopMu保持中に呼ぶ。
func (c *Controller) openConversationsLocked() error {
	c.mu.Lock()
	c.nextToken++
	token := c.nextToken
	c.convToken = token
	c.mu.Unlock()

	sub, err := c.remote.SubscribeConversations(func(convs []model.Conversation) {
		c.applyConversations(token, convs)
	}, func(err error) {
		c.reportError(func() bool { return token == c.convToken }, err)
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.convToken = 0
		return err
	}
	c.convSub = sub
	return nil
}

// unbindLocked はopMu保持中に呼ぶ。
func (c *Controller) unbindLocked() {
	c.mu.Lock()
	msgSub, convSub := c.msgSub, c.convSub
	c.msgSub, c.convSub = nil, nil
	c.msgToken, c.convToken = 0, 0
	c.epoch++
	c.autoSelectOn = false
	wasBound := c.identity != nil
	c.identity = nil
	c.selected = ""
	c.messages = nil
	c.conversations = nil
	c.state = StateUnbound
	c.view.RenderSelection("")
	c.view.RenderMessages("", nil)
	if c.mode == ModeAdmin {
		c.view.RenderConversations(nil, "")
	}
	c.mu.Unlock()

	if msgSub != nil {
		msgSub.Unsubscribe()
	}
	if convSub != nil {
		convSub.Unsubscribe()
	}
	if wasBound {
		c.logger.Info("view unbound")
	}
}

// reportError は現在のリスナーからの取得失敗のみをViewに伝える。currentはmu保持中に呼ばれる。
func (c *Controller) reportError(current func() bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !current() {
		return
	}
	c.view.RenderError(err)
}

func (c *Controller) applyMessages(token uint64, conversationID string, msgs []model.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if token != c.msgToken {
		return
	}
	c.messages = msgs
	c.view.RenderMessages(conversationID, msgs)
}

func (c *Controller) applyConversations(token uint64, convs []model.Conversation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if token != c.convToken {
		return
	}
	c.conversations = convs
	c.view.RenderConversations(convs, c.selected)

	if c.selected == "" && len(convs) > 0 && !c.autoSelectOn {
		c.autoSelectOn = true
		go c.autoSelect(c.epoch, convs[0].ID)
	}
}

// autoSelect は未選択のまま最初の一覧が届いた場合に、最も新しい会話を選択する。
// 遷移はopMuが必要なため、コールバックとは別のゴルーチンで実行する。
func (c *Controller) autoSelect(epoch uint64, conversationID string) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	ok := epoch == c.epoch && c.identity != nil && c.selected == ""
	if epoch == c.epoch {
		c.autoSelectOn = false
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	if err := c.selectLocked(conversationID); err != nil {
		c.logger.Warn("auto select failed", slog.String("conversation_id", conversationID))
	}
}

// compile-time interface check
var _ Remote = (*gateway.Gateway)(nil)
