package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatchInvokesChangeCallback(t *testing.T) {
	dir := t.TempDir()
	fresh := NewRegistry(nil, nil)

	changed := make(chan *Registry, 1)
	watcher, err := Watch(context.Background(), dir,
		func() *Registry { return fresh },
		func(reg *Registry) {
			select {
			case changed <- reg:
			default:
			}
		},
		nil,
	)
	require.NoError(t, err)
	defer watcher.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "10_rule.cel"), []byte(`"allow"`), 0o644))

	select {
	case reg := <-changed:
		assert.Same(t, fresh, reg)
	case <-time.After(3 * time.Second):
		t.Fatal("watcher did not report the change")
	}
}

func TestWatchRequiresConfiguration(t *testing.T) {
	_, err := Watch(context.Background(), "", func() *Registry { return nil }, func(*Registry) {}, nil)
	assert.Error(t, err)

	_, err = Watch(context.Background(), t.TempDir(), nil, nil, nil)
	assert.Error(t, err)
}

func TestWatchStopIsIdempotent(t *testing.T) {
	watcher, err := Watch(context.Background(), t.TempDir(),
		func() *Registry { return nil }, func(*Registry) {}, nil)
	require.NoError(t, err)
	watcher.Stop()
	watcher.Stop()
}
