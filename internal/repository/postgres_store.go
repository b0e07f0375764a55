package repository

import "database/sql"

// PostgresStore はPostgreSQL上の全コレクションをまとめたStore実装。
// 変更通知はDBトリガーのpg_notifyで配信されるため、ここでは発行しない。
type PostgresStore struct {
	profiles      *PostgresProfileRepo
	conversations *PostgresConversationRepo
	messages      *PostgresMessageRepo
	subscriptions *PostgresSubscriptionRepo
	planRequests  *PostgresPlanRequestRepo
}

// NewPostgresStore はPostgresStoreを生成する。
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{
		profiles:      NewPostgresProfileRepo(db),
		conversations: NewPostgresConversationRepo(db),
		messages:      NewPostgresMessageRepo(db),
		subscriptions: NewPostgresSubscriptionRepo(db),
		planRequests:  NewPostgresPlanRequestRepo(db),
	}
}

func (s *PostgresStore) Profiles() ProfileRepository           { return s.profiles }
func (s *PostgresStore) Conversations() ConversationRepository { return s.conversations }
func (s *PostgresStore) Messages() MessageRepository           { return s.messages }
func (s *PostgresStore) Subscriptions() SubscriptionRepository { return s.subscriptions }
func (s *PostgresStore) PlanRequests() PlanRequestRepository   { return s.planRequests }

// compile-time interface check
var _ Store = (*PostgresStore)(nil)
