package convo

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultDebounce is the quiet period after the last file event before the
// watcher refreshes the cache.
const DefaultDebounce = 500 * time.Millisecond

// Watcher refreshes the metadata cache whenever conversation logs change.
type Watcher struct {
	ix       *Indexer
	log      zerolog.Logger
	Debounce time.Duration
	// OnRefresh is called with the listing produced after each refresh.
	OnRefresh func(*Listing)
}

// NewWatcher creates a watcher for the indexer's projects directory.
func NewWatcher(ix *Indexer, log zerolog.Logger) *Watcher {
	return &Watcher{ix: ix, log: log, Debounce: DefaultDebounce}
}

// Run performs an initial refresh, then watches until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context, opts ListingOptions) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = fw.Close() }()

	root := w.ix.ProjectsDir()
	if err := os.MkdirAll(root, 0o755); err != nil {
		return err
	}
	w.addTree(fw, root)

	w.refresh(ctx, opts)

	timer := time.NewTimer(w.Debounce)
	timer.Stop()
	pending := false

	for {
		select {
		case <-ctx.Done():
			w.log.Debug().Msg("conversation watcher stopping")
			return nil

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !w.relevant(fw, event) {
				continue
			}
			w.log.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("conversation log changed")
			if pending && !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(w.Debounce)
			pending = true

		case <-timer.C:
			pending = false
			w.refresh(ctx, opts)

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn().Err(err).Msg("fsnotify error")
		}
	}
}

// relevant reports whether an event should trigger a refresh. New
// directories are added to the watch list.
func (w *Watcher) relevant(fw *fsnotify.Watcher, event fsnotify.Event) bool {
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			w.addTree(fw, event.Name)
			return true
		}
	}
	if !strings.HasSuffix(event.Name, ".jsonl") {
		return false
	}
	return event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0
}

// addTree watches dir and every directory below it.
func (w *Watcher) addTree(fw *fsnotify.Watcher, dir string) {
	work := []string{dir}
	for len(work) > 0 {
		d := work[len(work)-1]
		work = work[:len(work)-1]
		if err := fw.Add(d); err != nil {
			w.log.Debug().Err(err).Str("dir", d).Msg("failed to watch directory")
			continue
		}
		entries, err := os.ReadDir(d)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() {
				work = append(work, filepath.Join(d, e.Name()))
			}
		}
	}
}

func (w *Watcher) refresh(ctx context.Context, opts ListingOptions) {
	listing, err := w.ix.Listing(ctx, opts)
	if err != nil {
		if ctx.Err() == nil {
			w.log.Warn().Err(err).Msg("cache refresh failed")
		}
		return
	}
	if w.OnRefresh != nil {
		w.OnRefresh(listing)
	}
}
