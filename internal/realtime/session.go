package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/hitoshi/portaldesk/internal/binder"
	"github.com/hitoshi/portaldesk/internal/chatsync"
	"github.com/hitoshi/portaldesk/internal/model"
)

const (
	writeWait       = 10 * time.Second
	pingPeriod      = 30 * time.Second
	sendBufferSize  = 64
	maxCommandBytes = 64 << 10
)

// Session はWebSocket接続1本分のビュー。
// 会話同期コントローラーとバインダーの描画先で、描画はすべて送信キュー経由で書き込まれる。
type Session struct {
	ID   string
	mode chatsync.Mode

	conn    *websocket.Conn
	out     chan Envelope
	closed  chan struct{}
	once    sync.Once
	cancel  context.CancelFunc
	ctx     context.Context
	pending sync.WaitGroup

	controller *chatsync.Controller
	subs       SubscriptionLoader
	limiter    SendLimiter
	logger     *slog.Logger

	mu     sync.Mutex
	viewer string
}

func newSession(ctx context.Context, mode chatsync.Mode, conn *websocket.Conn, subs SubscriptionLoader, limiter SendLimiter, logger *slog.Logger) *Session {
	ctx, cancel := context.WithCancel(ctx)
	id := uuid.NewString()
	return &Session{
		ID:      id,
		mode:    mode,
		conn:    conn,
		out:     make(chan Envelope, sendBufferSize),
		closed:  make(chan struct{}),
		cancel:  cancel,
		ctx:     ctx,
		subs:    subs,
		limiter: limiter,
		logger:  logger.With(slog.String("view_session", id), slog.String("mode", string(mode))),
	}
}

// enqueue はイベントを送信キューに積む。ブロックしない。
// 遅いクライアントでキューが溢れた場合は接続を閉じる。
func (s *Session) enqueue(env Envelope) {
	select {
	case <-s.closed:
		return
	default:
	}
	select {
	case s.out <- env:
	default:
		s.logger.Warn("send buffer full, closing view session")
		s.shutdown()
	}
}

// shutdown は接続の終了を要求する。読み込み中のコンテキストをキャンセルするため、
// 接続の切断は読み込みループ側で行われる。
func (s *Session) shutdown() {
	s.once.Do(func() {
		close(s.closed)
		s.cancel()
	})
}

func (s *Session) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case env := <-s.out:
			ctx, cancel := context.WithTimeout(s.ctx, writeWait)
			err := wsjson.Write(ctx, s.conn, env)
			cancel()
			if err != nil {
				s.logger.Debug("write failed", slog.Any("error", err))
				s.shutdown()
				return
			}
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(s.ctx, writeWait)
			err := s.conn.Ping(ctx)
			cancel()
			if err != nil {
				s.logger.Debug("ping failed", slog.Any("error", err))
				s.shutdown()
				return
			}
		}
	}
}

// readLoop は接続が閉じるまでクライアントのコマンドを処理する。
func (s *Session) readLoop() error {
	for {
		typ, data, err := s.conn.Read(s.ctx)
		if err != nil {
			return err
		}
		if typ != websocket.MessageText {
			s.sendError("", model.NewInvalidRequestError("text frames only"))
			continue
		}

		var cmd Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			s.sendError("", model.NewInvalidRequestError("malformed JSON"))
			continue
		}
		s.dispatch(cmd)
	}
}

func (s *Session) dispatch(cmd Command) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("command handler panicked", slog.String("command", cmd.Type), slog.Any("panic", r))
			s.sendError(cmd.RequestID, model.NewInternalError())
		}
	}()

	switch cmd.Type {
	case CommandSelect:
		var p SelectPayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil || p.ConversationID == "" {
			s.sendError(cmd.RequestID, model.NewInvalidRequestError("conversationId is required"))
			return
		}
		if err := s.controller.Select(p.ConversationID); err != nil {
			s.sendCommandError(cmd.RequestID, err)
			return
		}
		s.ack(cmd.RequestID)

	case CommandSend:
		var p SendPayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			s.sendError(cmd.RequestID, model.NewInvalidRequestError("malformed send payload"))
			return
		}
		if s.limiter != nil && !s.limiter.AllowMessage(s.viewerUID()) {
			s.sendError(cmd.RequestID, model.NewRateLimitedError())
			return
		}
		var file *model.FileRef
		if p.File != nil {
			file = &model.FileRef{URL: p.File.URL, Name: p.File.Name}
		}
		if _, err := s.controller.Send(s.ctx, p.Text, file); err != nil {
			s.sendCommandError(cmd.RequestID, err)
			return
		}
		s.ack(cmd.RequestID)

	default:
		s.sendError(cmd.RequestID, model.NewInvalidRequestError("unknown command: "+cmd.Type))
	}
}

func (s *Session) ack(requestID string) {
	if requestID == "" {
		return
	}
	s.enqueue(Envelope{Type: EventAck, Payload: AckPayload{RequestID: requestID}})
}

func (s *Session) sendCommandError(requestID string, err error) {
	var apiErr *model.APIError
	switch {
	case errors.Is(err, chatsync.ErrNoSelection):
		apiErr = model.NewNoSelectionError()
	case errors.Is(err, chatsync.ErrNotBound):
		apiErr = model.NewUnauthorizedError()
	default:
		apiErr = model.Classify(err)
	}
	if apiErr == nil {
		s.logger.Error("command failed", slog.Any("error", err))
		apiErr = model.NewInternalError()
	}
	s.sendError(requestID, apiErr)
}

func (s *Session) sendError(requestID string, apiErr *model.APIError) {
	s.enqueue(Envelope{Type: EventError, Payload: toErrorPayload(requestID, apiErr)})
}

func (s *Session) viewerUID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewer
}

func (s *Session) setViewer(uid string) {
	s.mu.Lock()
	s.viewer = uid
	s.mu.Unlock()
}

// async は接続のライフタイム内で非同期処理を実行する。
func (s *Session) async(fn func(ctx context.Context)) {
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("view task panicked", slog.Any("panic", r))
			}
		}()
		fn(s.ctx)
	}()
}

// --- chatsync.View ---

// RenderMessages はメッセージ一覧を送る。
func (s *Session) RenderMessages(conversationID string, messages []model.Message) {
	s.enqueue(Envelope{Type: EventMessages, Payload: MessagesPayload{
		ConversationID: conversationID,
		Messages:       toMessageDTOs(messages, s.viewerUID()),
	}})
}

// RenderConversations は会話一覧を送る。
func (s *Session) RenderConversations(conversations []model.Conversation, selectedID string) {
	s.enqueue(Envelope{Type: EventConversations, Payload: ConversationsPayload{
		Conversations: toConversationDTOs(conversations, selectedID),
		SelectedID:    selectedID,
	}})
}

// RenderSelection は選択中の会話を送る。管理コンソールでは選択した顧客の契約も読み込む。
func (s *Session) RenderSelection(conversationID string) {
	s.enqueue(Envelope{Type: EventSelection, Payload: SelectionPayload{ConversationID: conversationID}})

	if s.mode != chatsync.ModeAdmin || conversationID == "" || s.subs == nil {
		return
	}
	s.async(func(ctx context.Context) {
		form, err := s.subs.AdminForm(ctx, conversationID)
		if err != nil {
			s.ShowError(err)
			return
		}
		// 読み込み中に別の顧客が選択された場合は破棄する
		if s.controller.Selected() != conversationID {
			return
		}
		s.enqueue(Envelope{Type: EventSubscription, Payload: SubscriptionPayload{
			ClientUID: form.ClientUID,
			Summary:   form.Summary,
			PlanKey:   form.PlanKey,
			Status:    form.Status,
			Exists:    form.Exists,
		}})
	})
}

// RenderError はスナップショットの取得失敗を1回限りのエラーとして送る。
func (s *Session) RenderError(err error) {
	s.ShowError(err)
}

// --- binder.StatusView ---

// ShowSignedOut はサインアウト状態を送る。
func (s *Session) ShowSignedOut() {
	s.setViewer("")
	s.enqueue(Envelope{Type: EventState, Payload: StatePayload{State: StateSignedOut}})
}

// ShowSignedIn はサインイン状態を送る。ポータルでは契約サマリーも読み込む。
func (s *Session) ShowSignedIn(identity model.Identity) {
	s.setViewer(identity.UID)
	s.enqueue(Envelope{Type: EventState, Payload: StatePayload{State: StateSignedIn, User: toUserDTO(identity)}})

	if s.mode != chatsync.ModePortal || s.subs == nil {
		return
	}
	s.async(func(ctx context.Context) {
		view, err := s.subs.PortalSummary(ctx, identity)
		if err != nil {
			s.ShowError(err)
			return
		}
		p := SubscriptionPayload{ClientUID: identity.UID, Summary: view.Summary}
		if view.Subscription != nil {
			p.PlanKey = view.Subscription.PlanKey
			p.Status = view.Subscription.Status
			p.Exists = true
		}
		s.enqueue(Envelope{Type: EventSubscription, Payload: p})
	})
}

// ShowForbidden は管理者権限がないことを送る。
func (s *Session) ShowForbidden(identity model.Identity) {
	s.setViewer("")
	s.enqueue(Envelope{Type: EventState, Payload: StatePayload{State: StateForbidden, User: toUserDTO(identity)}})
}

// ShowMissingConfig はストア未設定を送る。
func (s *Session) ShowMissingConfig() {
	s.enqueue(Envelope{Type: EventState, Payload: StatePayload{State: StateMissing}})
}

// ShowError は1回限りのエラーを送る。
func (s *Session) ShowError(err error) {
	if errors.Is(err, model.ErrRemoteUnavailable) {
		s.ShowMissingConfig()
		return
	}
	s.sendCommandError("", err)
}

// compile-time interface check
var (
	_ chatsync.View     = (*Session)(nil)
	_ binder.StatusView = (*Session)(nil)
)
