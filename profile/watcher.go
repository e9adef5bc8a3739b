package profile

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sessiondeck/sessiondeck/log"
)

// CredentialWatcher watches the parent of the default profile's credential
// directory so "default profile authenticated" flips live when the ambient
// directory appears or disappears.
type CredentialWatcher struct {
	watcher  *fsnotify.Watcher
	dir      string
	onChange func(authenticated bool)

	// Debouncing
	debounce time.Duration
}

// NewCredentialWatcher creates a watcher for the default credential directory
func NewCredentialWatcher(dir string, onChange func(authenticated bool)) (*CredentialWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &CredentialWatcher{
		watcher:  watcher,
		dir:      dir,
		onChange: onChange,
		debounce: 200 * time.Millisecond,
	}, nil
}

// Start begins watching. The parent directory is watched because the
// credential directory itself may not exist yet.
func (w *CredentialWatcher) Start(ctx context.Context) error {
	parent := filepath.Dir(w.dir)
	if err := w.watcher.Add(parent); err != nil {
		log.Debug().Err(err).Str("dir", parent).Msg("credential watch unavailable, relying on stat checks")
		return err
	}

	go w.eventLoop(ctx)
	return nil
}

// eventLoop processes fsnotify events
func (w *CredentialWatcher) eventLoop(ctx context.Context) {
	defer w.watcher.Close()

	debounceTimer := time.NewTimer(0)
	<-debounceTimer.C // drain initial timer

	pending := false

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Name != w.dir {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			pending = true
			debounceTimer.Reset(w.debounce)

		case <-debounceTimer.C:
			if !pending {
				continue
			}
			pending = false
			info, err := os.Stat(w.dir)
			authenticated := err == nil && info.IsDir()
			w.onChange(authenticated)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("credential watcher error")
		}
	}
}
