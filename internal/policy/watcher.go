package policy

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher はポリシーファイルを監視し、変更時にStoreを更新する。
// 読み込みに失敗した場合は直前のポリシーを維持する。
type Watcher struct {
	path      string
	envAdmins []string
	store     *Store
	logger    *slog.Logger

	// onReload はテスト用のフック。再読み込みを試みるたびに呼ばれる。
	onReload func(err error)
}

// NewWatcher はWatcherを生成する。
func NewWatcher(path string, envAdmins []string, store *Store, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		path:      path,
		envAdmins: envAdmins,
		store:     store,
		logger:    logger,
	}
}

// Run はctxがキャンセルされるまでファイルを監視する。
// エディタの置き換え保存に対応するため、ファイルではなくディレクトリを監視する。
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer fw.Close()

	dir := filepath.Dir(w.path)
	if err := fw.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	target := filepath.Clean(w.path)

	w.logger.Info("policy watcher started", slog.String("path", w.path))

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			w.reload()
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("policy watcher error", slog.Any("error", err))
		}
	}
}

func (w *Watcher) reload() {
	p, err := Load(w.path, w.envAdmins)
	if err != nil {
		w.logger.Warn("failed to reload policy, keeping previous", slog.Any("error", err))
	} else {
		w.store.Set(p)
		w.logger.Info("policy reloaded",
			slog.Int("admins", p.AdminCount()),
			slog.Int("plans", len(p.plans)),
		)
	}
	if w.onReload != nil {
		w.onReload(err)
	}
}
