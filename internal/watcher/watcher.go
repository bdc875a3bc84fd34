// Package watcher monitors the configuration file and the credential pool's
// auth directory for external changes, so an operator editing a token file
// by hand (or a sibling worker writing one) is picked up without a restart.
// Grounded on the teacher's internal/watcher.Watcher: same fsnotify setup,
// content-hash dedup to ignore no-op writes, and incremental per-file
// handling, generalized from multi-provider client reload to this gateway's
// single pool.Manager.
package watcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/vornlabs/grokgate/internal/pool"
)

// Watcher reacts to changes under the config file and the pool's auth
// directory. Config edits are logged (the process must restart to pick up
// most settings); auth-directory edits trigger Manager.Load so records
// written by hand or by another worker appear without a restart.
type Watcher struct {
	configPath string
	authDir    string
	mgr        *pool.Manager
	log        *logrus.Entry

	fsw *fsnotify.Watcher

	mu             sync.Mutex
	lastConfigHash string
}

// New builds a Watcher. It does not start watching until Start is called.
func New(configPath, authDir string, mgr *pool.Manager, log *logrus.Entry) (*Watcher, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watcher: new fsnotify watcher: %w", err)
	}
	return &Watcher{
		configPath: configPath,
		authDir:    authDir,
		mgr:        mgr,
		log:        log.WithField("component", "watcher"),
		fsw:        fsw,
	}, nil
}

// Start begins watching the config file and auth directory. The background
// goroutine runs until ctx is cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.fsw.Add(w.configPath); err != nil {
		return fmt.Errorf("watcher: watch config file %s: %w", w.configPath, err)
	}
	if err := w.fsw.Add(w.authDir); err != nil {
		return fmt.Errorf("watcher: watch auth dir %s: %w", w.authDir, err)
	}
	w.log.WithField("config", w.configPath).WithField("auth_dir", w.authDir).Debug("watching for changes")
	go w.loop(ctx)
	return nil
}

// Stop closes the underlying fsnotify watcher.
func (w *Watcher) Stop() error {
	return w.fsw.Close()
}

func (w *Watcher) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ctx, event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.WithError(err).Error("watcher error")
		}
	}
}

func (w *Watcher) handle(ctx context.Context, event fsnotify.Event) {
	isConfig := event.Name == w.configPath && (event.Op&fsnotify.Write == fsnotify.Write || event.Op&fsnotify.Create == fsnotify.Create)
	isAuthFile := strings.HasPrefix(event.Name, w.authDir) && strings.HasSuffix(event.Name, ".json")
	if !isConfig && !isAuthFile {
		return
	}

	if isConfig {
		w.handleConfigChange()
		return
	}
	w.log.WithField("op", event.Op.String()).WithField("file", event.Name).Info("auth file changed, reloading pool")
	if err := w.mgr.Load(ctx); err != nil {
		w.log.WithError(err).Error("failed to reload pool after auth file change")
	}
}

// handleConfigChange hashes the config file to drop no-op writes (many
// editors rewrite the file via a temp file and rename, firing multiple
// events for content that never changed) and logs that a restart is needed
// to apply it; no setting is applied live. Credential records under AuthDir
// are picked up through the auth-file watch instead.
func (w *Watcher) handleConfigChange() {
	data, err := os.ReadFile(w.configPath)
	if err != nil {
		w.log.WithError(err).Error("failed to read config file for hash check")
		return
	}
	if len(data) == 0 {
		return
	}
	sum := sha256.Sum256(data)
	newHash := hex.EncodeToString(sum[:])

	w.mu.Lock()
	unchanged := w.lastConfigHash != "" && w.lastConfigHash == newHash
	w.lastConfigHash = newHash
	w.mu.Unlock()
	if unchanged {
		return
	}
	w.log.Info("config file changed on disk; restart the process to apply it")
}
