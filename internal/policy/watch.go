package policy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher monitors a policies directory and invokes the supplied callback
// with a freshly built registry whenever rule files change. The active
// registry stays immutable; callers swap the whole snapshot. Stop must be
// called to release filesystem resources.
type Watcher struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Stop halts the watcher and waits for the underlying goroutine to exit.
func (w *Watcher) Stop() {
	if w == nil {
		return
	}
	w.once.Do(func() {
		w.cancel()
		<-w.done
	})
}

// Watch wires fsnotify around the policies directory. rebuild must produce a
// complete registry snapshot; onChange receives it after a short debounce so
// editors writing multiple files trigger one reload.
func Watch(ctx context.Context, dir string, rebuild func() *Registry, onChange func(*Registry), onError func(error)) (*Watcher, error) {
	if rebuild == nil || onChange == nil {
		return nil, fmt.Errorf("policy: watch requires rebuild and change callbacks")
	}
	if dir == "" {
		return nil, fmt.Errorf("policy: no policies directory configured for watching")
	}

	watchCtx, cancel := context.WithCancel(ctx)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("policy: watch: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		cancel()
		_ = watcher.Close()
		return nil, fmt.Errorf("policy: watch %s: %w", dir, err)
	}

	done := make(chan struct{})
	w := &Watcher{cancel: cancel, done: done}

	go func() {
		defer close(done)
		defer func() {
			if err := watcher.Close(); err != nil && onError != nil {
				onError(fmt.Errorf("policy: watch close: %w", err))
			}
		}()

		var timer *time.Timer
		var timerCh <-chan time.Time
		for {
			select {
			case <-watchCtx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(250 * time.Millisecond)
					timerCh = timer.C
				} else {
					timer.Reset(250 * time.Millisecond)
				}
			case <-timerCh:
				onChange(rebuild())
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				if onError != nil {
					onError(err)
				}
			}
		}
	}()

	return w, nil
}
