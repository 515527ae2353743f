package configwatcher

import (
	"gamermatch_backend/internal/config"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, path string, ttl int) {
	t.Helper()
	body := "server:\n  mode: debug\ncall:\n  request_ttl_minutes: " + strconv.Itoa(ttl) + "\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestWatchConfigReloads(t *testing.T) {
	dir := t.TempDir()
	path := config.ConfigFile(dir)
	writeConfig(t, path, 5)

	reloaded := make(chan *config.Config, 4)
	stop := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- WatchConfig(path, func(cfg *config.Config) { reloaded <- cfg }, stop)
	}()

	// 等待监听建立
	time.Sleep(200 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x: 1\n"), 0o644))
	writeConfig(t, path, 7)

	select {
	case cfg := <-reloaded:
		assert.Equal(t, 7*time.Minute, cfg.Call.RequestTTL())
	case <-time.After(5 * time.Second):
		t.Fatal("config was not reloaded")
	}

	close(stop)
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
}
