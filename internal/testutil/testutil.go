// Package testutil holds helpers shared by the host and server test suites:
// stub plugin files, a quiet logger, and a blocking adapter that stands in
// for a plugin that stopped responding.
package testutil

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/PoHsuanLai/tutti-plugin/adapter"
	"github.com/PoHsuanLai/tutti-plugin/midi"
	"github.com/PoHsuanLai/tutti-plugin/protocol"
)

// QuietLogger drops everything below Error so test output stays readable.
func QuietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// PluginFile writes a stub plugin file into a fresh temp dir and returns its
// path. The extension decides which adapter factory the server picks.
func PluginFile(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte("stub"), 0o600); err != nil {
		t.Fatalf("write stub plugin: %v", err)
	}
	return path
}

// BlockingAdapter hangs in Process until released. Everything else behaves
// like the built-in gain adapter.
type BlockingAdapter struct {
	adapter.Adapter
	release chan struct{}
	once    sync.Once
}

func (b *BlockingAdapter) Process(int, [][]float32, [][]float32, []midi.Event, protocol.Transport) error {
	<-b.release
	return errors.New("released")
}

// Release unblocks a pending Process call. Safe to call more than once.
func (b *BlockingAdapter) Release() {
	b.once.Do(func() { close(b.release) })
}

var (
	blockingMu sync.Mutex
	blocking   *BlockingAdapter
)

// BlockingFactory is an adapter.Factory producing BlockingAdapters.
func BlockingFactory(_ string, logger *slog.Logger) (adapter.Adapter, error) {
	b := &BlockingAdapter{
		Adapter: adapter.NewGain(logger),
		release: make(chan struct{}),
	}
	blockingMu.Lock()
	blocking = b
	blockingMu.Unlock()
	return b, nil
}

// LastBlocking returns the adapter produced by the most recent
// BlockingFactory call, or nil.
func LastBlocking() *BlockingAdapter {
	blockingMu.Lock()
	defer blockingMu.Unlock()
	return blocking
}

// ReleaseBlocking releases the most recent blocking adapter, if any.
func ReleaseBlocking() {
	if b := LastBlocking(); b != nil {
		b.Release()
	}
}
