package policy

import (
	"context"
	"os"
	"testing"
	"time"
)

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := writePolicyFile(t, dir, "admin_emails: [first@example.com]\n")

	initial, err := Load(path, nil)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	store := NewStore(initial)

	reloaded := make(chan error, 16)
	w := NewWatcher(path, []string{"env@example.com"}, store, nil)
	w.onReload = func(err error) { reloaded <- err }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	// 監視の開始を待ってから書き換える
	deadline := time.After(3 * time.Second)
	for !store.IsAdmin("second@example.com") {
		if err := os.WriteFile(path, []byte("admin_emails: [second@example.com]\n"), 0o600); err != nil {
			t.Fatalf("WriteFile() error = %v", err)
		}
		select {
		case <-reloaded:
		case <-time.After(100 * time.Millisecond):
		case <-deadline:
			t.Fatal("timed out waiting for policy reload")
		}
	}

	if store.IsAdmin("first@example.com") {
		t.Error("old file admin should be gone after reload")
	}
	if !store.IsAdmin("env@example.com") {
		t.Error("env admins should survive reload")
	}
}

func TestWatcher_KeepsPreviousOnInvalidFile(t *testing.T) {
	dir := t.TempDir()
	path := writePolicyFile(t, dir, "admin_emails: [keep@example.com]\n")
	initial, _ := Load(path, nil)
	store := NewStore(initial)

	w := NewWatcher(path, nil, store, nil)
	if err := os.WriteFile(path, []byte("admin_emails: [oops"), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	w.reload()

	if !store.IsAdmin("keep@example.com") {
		t.Error("invalid file must not replace the current policy")
	}
}

func TestWatcher_RunFailsForMissingDir(t *testing.T) {
	w := NewWatcher("/nonexistent-dir-for-test/policy.yaml", nil, NewStore(nil), nil)
	if err := w.Run(context.Background()); err == nil {
		t.Error("expected error when directory does not exist")
	}
}
