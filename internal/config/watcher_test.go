package config_test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voxrelay/internal/config"
)

const watcherValidYAML = `
server:
  log_level: info
openai:
  api_key: sk-test
  voice: alloy
`

const watcherUpdatedYAML = `
server:
  log_level: debug
openai:
  api_key: sk-test
  voice: verse
`

const watcherInvalidYAML = `
server:
  log_level: bananas
openai:
  api_key: sk-test
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write file %q: %v", path, err)
	}
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	writeFile(t, cfgPath, watcherValidYAML)

	w, err := config.NewWatcher(cfgPath, nil, config.WithInterval(50*time.Millisecond), config.WithLookup(nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer w.Stop()

	cfg := w.Current()
	if cfg == nil {
		t.Fatal("Current() returned nil after initial load")
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log_level: got %q, want %q", cfg.Server.LogLevel, config.LogInfo)
	}
}

func TestWatcher_DetectsChange(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	writeFile(t, cfgPath, watcherValidYAML)

	var mu sync.Mutex
	var callbackOld, callbackNew *config.Config
	called := make(chan struct{}, 1)

	w, err := config.NewWatcher(cfgPath, func(old, new *config.Config) {
		mu.Lock()
		callbackOld = old
		callbackNew = new
		mu.Unlock()
		select {
		case called <- struct{}{}:
		default:
		}
	}, config.WithInterval(50*time.Millisecond), config.WithLookup(nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer w.Stop()

	// Give the initial poll a moment, then update the file.
	time.Sleep(100 * time.Millisecond)
	writeFile(t, cfgPath, watcherUpdatedYAML)

	// Wait for callback.
	select {
	case <-called:
	case <-time.After(2 * time.Second):
		t.Fatal("callback was not invoked within timeout")
	}

	mu.Lock()
	defer mu.Unlock()

	if callbackOld == nil || callbackNew == nil {
		t.Fatal("callback received nil configs")
	}
	if callbackOld.Server.LogLevel != config.LogInfo {
		t.Errorf("old log_level: got %q, want %q", callbackOld.Server.LogLevel, config.LogInfo)
	}
	if callbackNew.Server.LogLevel != config.LogDebug {
		t.Errorf("new log_level: got %q, want %q", callbackNew.Server.LogLevel, config.LogDebug)
	}
	if d := config.Diff(callbackOld, callbackNew); !d.SessionChanged || !d.LogLevelChanged {
		t.Errorf("diff = %+v, want session and log level changes", d)
	}

	// Current should return the new config.
	cur := w.Current()
	if cur.Server.LogLevel != config.LogDebug {
		t.Errorf("Current() log_level: got %q, want %q", cur.Server.LogLevel, config.LogDebug)
	}
}

func TestWatcher_InvalidFileKeepsOldConfig(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	writeFile(t, cfgPath, watcherValidYAML)

	callCount := 0
	var mu sync.Mutex

	w, err := config.NewWatcher(cfgPath, func(old, new *config.Config) {
		mu.Lock()
		callCount++
		mu.Unlock()
	}, config.WithInterval(50*time.Millisecond), config.WithLookup(nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer w.Stop()

	// Write invalid config.
	time.Sleep(100 * time.Millisecond)
	writeFile(t, cfgPath, watcherInvalidYAML)

	// Wait enough polls for it to notice the change.
	time.Sleep(300 * time.Millisecond)

	mu.Lock()
	calls := callCount
	mu.Unlock()

	if calls != 0 {
		t.Errorf("callback should not be called for invalid config, got %d calls", calls)
	}

	// Current should still be the old valid config.
	cur := w.Current()
	if cur.Server.LogLevel != config.LogInfo {
		t.Errorf("Current() should still have old config, got log_level=%q", cur.Server.LogLevel)
	}
}

func TestWatcher_InitialLoadFails(t *testing.T) {
	t.Parallel()
	_, err := config.NewWatcher("/nonexistent/path.yaml", nil, config.WithLookup(nil))
	if err == nil {
		t.Fatal("expected error for non-existent file, got nil")
	}
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	writeFile(t, cfgPath, watcherValidYAML)

	w, err := config.NewWatcher(cfgPath, nil, config.WithInterval(50*time.Millisecond), config.WithLookup(nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Multiple stops should not panic.
	w.Stop()
	w.Stop()
	w.Stop()
}

func TestWatcher_TouchWithoutContentChange(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	writeFile(t, cfgPath, watcherValidYAML)

	callCount := 0
	var mu sync.Mutex

	w, err := config.NewWatcher(cfgPath, func(old, new *config.Config) {
		mu.Lock()
		callCount++
		mu.Unlock()
	}, config.WithInterval(50*time.Millisecond), config.WithLookup(nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer w.Stop()

	// Touch the file (update mtime) without changing content.
	time.Sleep(100 * time.Millisecond)
	now := time.Now().Add(time.Second)
	if err := os.Chtimes(cfgPath, now, now); err != nil {
		t.Fatalf("failed to touch file: %v", err)
	}

	time.Sleep(300 * time.Millisecond)

	mu.Lock()
	calls := callCount
	mu.Unlock()

	if calls != 0 {
		t.Errorf("callback should not fire for touch-only, got %d calls", calls)
	}
}

func TestWatcher_AppliesEnvironmentOnReload(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	// No api_key in the file: it must come from the environment every time.
	writeFile(t, cfgPath, "server:\n  log_level: info\n")

	env := map[string]string{config.EnvAPIKey: "sk-env"}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
	called := make(chan *config.Config, 1)
	w, err := config.NewWatcher(cfgPath, func(_, new *config.Config) {
		select {
		case called <- new:
		default:
		}
	}, config.WithInterval(50*time.Millisecond), config.WithLookup(lookup))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer w.Stop()

	time.Sleep(100 * time.Millisecond)
	writeFile(t, cfgPath, "server:\n  log_level: warn\n")

	select {
	case cfg := <-called:
		if cfg.OpenAI.APIKey != "sk-env" {
			t.Errorf("api key = %q, want sk-env", cfg.OpenAI.APIKey)
		}
		if cfg.Server.LogLevel != config.LogWarn {
			t.Errorf("log_level = %q, want warn", cfg.Server.LogLevel)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("callback was not invoked within timeout")
	}
}

func TestWatcher_ReloadAppliesImmediately(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	writeFile(t, cfgPath, watcherValidYAML)

	var got []string
	w, err := config.NewWatcher(cfgPath, func(_, new *config.Config) {
		got = append(got, new.OpenAI.Voice)
	}, config.WithInterval(time.Hour), config.WithLookup(nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer w.Stop()

	writeFile(t, cfgPath, watcherUpdatedYAML)
	changed, err := w.Reload()
	if err != nil || !changed {
		t.Fatalf("Reload() = %v, %v; want true, nil", changed, err)
	}
	if w.Current().OpenAI.Voice != "verse" {
		t.Errorf("voice = %q, want verse", w.Current().OpenAI.Voice)
	}

	changed, err = w.Reload()
	if err != nil || changed {
		t.Errorf("second Reload() = %v, %v; want false, nil", changed, err)
	}
	if len(got) != 1 || got[0] != "verse" {
		t.Errorf("callbacks = %v, want [verse]", got)
	}
}

func TestWatcher_CommentOnlyEditIgnored(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	writeFile(t, cfgPath, watcherValidYAML)

	calls := 0
	w, err := config.NewWatcher(cfgPath, func(_, _ *config.Config) { calls++ },
		config.WithInterval(time.Hour), config.WithLookup(nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer w.Stop()

	writeFile(t, cfgPath, "# receptionist line\n"+watcherValidYAML+"\n")
	changed, err := w.Reload()
	if err != nil || changed {
		t.Errorf("Reload() = %v, %v; want false, nil", changed, err)
	}
	if calls != 0 {
		t.Errorf("callback fired %d times for a comment-only edit", calls)
	}
}

func TestWatcher_ReloadInvalidKeepsActive(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	writeFile(t, cfgPath, watcherValidYAML)

	w, err := config.NewWatcher(cfgPath, nil, config.WithInterval(time.Hour), config.WithLookup(nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer w.Stop()
	before := w.Current()

	writeFile(t, cfgPath, watcherInvalidYAML)
	if changed, err := w.Reload(); err == nil || changed {
		t.Errorf("Reload() = %v, %v; want false and an error", changed, err)
	}
	if w.Current() != before {
		t.Error("active config replaced by an invalid file")
	}

	writeFile(t, cfgPath, watcherUpdatedYAML)
	if changed, err := w.Reload(); err != nil || !changed {
		t.Errorf("Reload() after fix = %v, %v; want true, nil", changed, err)
	}
}
