// Package policy は管理者許可リストとプランカタログを提供する。
// 環境変数とYAMLファイルから読み込み、ファイルの変更時には再読み込みする。
package policy

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync/atomic"

	"gopkg.in/yaml.v3"
)

// planKeyPattern はカタログ未設定時に受け付けるプランキーの形式。
var planKeyPattern = regexp.MustCompile(`^[A-Za-z0-9_]{1,64}$`)

// Plan はカタログ上の1プラン。
type Plan struct {
	Key   string `yaml:"key" json:"key"`
	Label string `yaml:"label" json:"label"`
}

// fileFormat はポリシーファイルのYAML構造。
type fileFormat struct {
	AdminEmails []string `yaml:"admin_emails"`
	Plans       []Plan   `yaml:"plans"`
}

// Policy は不変のポリシースナップショット。
type Policy struct {
	admins map[string]struct{}
	plans  []Plan
	keys   map[string]struct{}
}

// New はPolicyを生成する。メールアドレスは大文字小文字を区別しない。
func New(adminEmails []string, plans []Plan) *Policy {
	p := &Policy{
		admins: make(map[string]struct{}, len(adminEmails)),
		keys:   make(map[string]struct{}, len(plans)),
	}
	for _, email := range adminEmails {
		if e := normalizeEmail(email); e != "" {
			p.admins[e] = struct{}{}
		}
	}
	for _, plan := range plans {
		key := strings.TrimSpace(plan.Key)
		if key == "" {
			continue
		}
		if _, dup := p.keys[key]; dup {
			continue
		}
		if plan.Label == "" {
			plan.Label = key
		}
		plan.Key = key
		p.keys[key] = struct{}{}
		p.plans = append(p.plans, plan)
	}
	return p
}

// IsAdmin はメールアドレスが管理者許可リストに含まれるかを返す。
func (p *Policy) IsAdmin(email string) bool {
	e := normalizeEmail(email)
	if e == "" {
		return false
	}
	_, ok := p.admins[e]
	return ok
}

// AdminCount は許可リストの件数を返す。
func (p *Policy) AdminCount() int {
	return len(p.admins)
}

// Plans はカタログのプラン一覧を返す。
func (p *Policy) Plans() []Plan {
	return append([]Plan(nil), p.plans...)
}

// ValidPlan はプランキーが受け付け可能かを返す。
// カタログが空の場合は形式のみ検証する。
func (p *Policy) ValidPlan(key string) bool {
	if len(p.keys) == 0 {
		return planKeyPattern.MatchString(key)
	}
	_, ok := p.keys[key]
	return ok
}

// ParseAdminEmails はカンマ区切りのメールアドレス一覧を分割する。
func ParseAdminEmails(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if e := strings.TrimSpace(part); e != "" {
			out = append(out, e)
		}
	}
	return out
}

// Load は環境変数由来の管理者一覧とポリシーファイルを合わせて読み込む。
// pathが空の場合はファイルを読まない。
func Load(path string, envAdmins []string) (*Policy, error) {
	admins := append([]string(nil), envAdmins...)
	if path == "" {
		return New(admins, nil), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}

	var f fileFormat
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse policy file: %w", err)
	}
	for i, plan := range f.Plans {
		if !planKeyPattern.MatchString(strings.TrimSpace(plan.Key)) {
			return nil, fmt.Errorf("invalid plan key at index %d: %q", i, plan.Key)
		}
	}

	admins = append(admins, f.AdminEmails...)
	return New(admins, f.Plans), nil
}

// Store は現在のPolicyを保持し、再読み込み時に差し替える。
type Store struct {
	current atomic.Pointer[Policy]
}

// NewStore は初期ポリシーでStoreを生成する。
func NewStore(initial *Policy) *Store {
	s := &Store{}
	if initial == nil {
		initial = New(nil, nil)
	}
	s.current.Store(initial)
	return s
}

// Current は現在のポリシーを返す。
func (s *Store) Current() *Policy {
	return s.current.Load()
}

// Set はポリシーを差し替える。
func (s *Store) Set(p *Policy) {
	if p != nil {
		s.current.Store(p)
	}
}

// IsAdmin は現在のポリシーで管理者判定する。
func (s *Store) IsAdmin(email string) bool {
	return s.Current().IsAdmin(email)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ValidPlan は現在のポリシーでプランキーを検証する。
func (s *Store) ValidPlan(key string) bool {
	return s.Current().ValidPlan(key)
}

// Plans は現在のプランカタログを返す。
func (s *Store) Plans() []Plan {
	return s.Current().Plans()
}
