// Package fswatch watches the mirrored project tree for user edits.
//
// The watcher keeps a path -> content-hash table for the whole tree, seeded
// by a full scan at startup. OS events are debounced, changed paths are
// re-hashed, and an event is emitted only when the hash actually differs
// from the last known value. Programmatic writes go through Pause,
// ApplyBatch and Resume so they update the hash table without ever being
// mistaken for user edits.
package fswatch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"lukechampine.com/blake3"
)

// EventKind classifies a filesystem event.
type EventKind uint8

const (
	Created EventKind = iota + 1
	Modified
	Deleted
)

func (k EventKind) String() string {
	switch k {
	case Created:
		return "created"
	case Modified:
		return "modified"
	case Deleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// Event is one effective change to the mirrored tree. Path is
// project-relative with forward slashes. Content is nil for deletions.
type Event struct {
	Kind    EventKind
	Path    string
	Content []byte
}

// Write is one programmatic mutation applied through ApplyBatch.
type Write struct {
	Path    string
	Content []byte
	Delete  bool
}

// ErrStopped is returned when the watcher's run loop has exited.
var ErrStopped = errors.New("fswatch: watcher stopped")

const debounceWindow = 100 * time.Millisecond

// Watcher owns the content-hash table for the mirrored tree.
type Watcher struct {
	root   string
	ignore *Ignore
	log    zerolog.Logger

	mu     sync.Mutex
	hashes map[string][32]byte

	notify  *fsnotify.Watcher
	events  chan Event
	control chan controlMsg
	done    chan struct{}
}

type controlKind uint8

const (
	ctrlPause controlKind = iota + 1
	ctrlResume
)

type controlMsg struct {
	kind controlKind
	ack  chan struct{}
}

// New creates a watcher for root, seeds the hash table with a full scan and
// registers every non-ignored directory with the OS watch. Run must be
// called to start event delivery.
func New(root string, ignore *Ignore, log zerolog.Logger) (*Watcher, error) {
	if ignore == nil {
		ignore = NewIgnore()
	}
	notify, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fs watcher: %w", err)
	}
	w := &Watcher{
		root:    root,
		ignore:  ignore,
		log:     log.With().Str("component", "fswatch").Logger(),
		hashes:  make(map[string][32]byte),
		notify:  notify,
		events:  make(chan Event, 256),
		control: make(chan controlMsg),
		done:    make(chan struct{}),
	}
	if err := w.seed(); err != nil {
		_ = notify.Close()
		return nil, err
	}
	return w, nil
}

// seed walks the tree, hashing files and adding directories to the watch.
func (w *Watcher) seed() error {
	return filepath.WalkDir(w.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, relErr := w.rel(p)
		if relErr != nil {
			return relErr
		}
		if rel != "." && w.ignore.Match(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if err := w.notify.Add(p); err != nil {
				return fmt.Errorf("watch %s: %w", p, err)
			}
			return nil
		}
		content, readErr := os.ReadFile(p)
		if readErr != nil {
			w.log.Warn().Err(readErr).Str("path", rel).Msg("skipping unreadable file during scan")
			return nil
		}
		w.hashes[rel] = blake3.Sum256(content)
		return nil
	})
}

// addTree registers a directory created after seeding and marks any files it
// already contains dirty, so the debounce pass picks them up.
func (w *Watcher) addTree(root string, dirty map[string]bool) {
	_ = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		rel, relErr := w.rel(p)
		if relErr != nil {
			return nil
		}
		if w.ignore.Match(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			_ = w.notify.Add(p)
			return nil
		}
		dirty[rel] = true
		return nil
	})
}

// Events returns the stream of effective user edits.
func (w *Watcher) Events() <-chan Event { return w.events }

// Run delivers events until ctx is done. It owns the debounce loop: raw OS
// events mark paths dirty, and a short quiet period later the dirty set is
// re-hashed and effective events are emitted.
func (w *Watcher) Run(ctx context.Context) {
	defer close(w.done)
	defer w.notify.Close()

	dirty := make(map[string]bool)
	var timer *time.Timer
	var timerC <-chan time.Time
	paused := false

	startTimer := func() {
		if timer == nil {
			timer = time.NewTimer(debounceWindow)
			timerC = timer.C
			return
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(debounceWindow)
		timerC = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return

		case msg := <-w.control:
			switch msg.kind {
			case ctrlPause:
				// Edits detected before the pause stay dirty; after
				// resume the re-hash separates them from whatever the
				// paused writer applied.
				paused = true
			case ctrlResume:
				paused = false
				if len(dirty) > 0 {
					startTimer()
				}
			}
			close(msg.ack)

		case ev, ok := <-w.notify.Events:
			if !ok {
				return
			}
			rel, err := w.rel(ev.Name)
			if err != nil {
				continue
			}
			if w.ignore.Match(rel) {
				continue
			}
			if ev.Op.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					// A directory can arrive already populated, for
					// example by a rename from outside the tree, so its
					// contents need scanning too.
					w.addTree(ev.Name, dirty)
					if !paused && len(dirty) > 0 {
						startTimer()
					}
					continue
				}
			}
			dirty[rel] = true
			if !paused {
				startTimer()
			}

		case err, ok := <-w.notify.Errors:
			if !ok {
				return
			}
			w.log.Warn().Err(err).Msg("os watch error")

		case <-timerC:
			timerC = nil
			if paused || len(dirty) == 0 {
				continue
			}
			batch := dirty
			dirty = make(map[string]bool)
			for rel := range batch {
				if ev, ok := w.refresh(rel); ok {
					select {
					case w.events <- ev:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}
}

// refresh re-hashes one path and produces an event if its content really
// changed since the last known state.
func (w *Watcher) refresh(rel string) (Event, bool) {
	abs := w.abs(rel)
	content, err := os.ReadFile(abs)
	if err != nil {
		// Treat unreadable as deleted; directories are not tracked.
		w.mu.Lock()
		_, existed := w.hashes[rel]
		delete(w.hashes, rel)
		w.mu.Unlock()
		if existed && os.IsNotExist(err) {
			return Event{Kind: Deleted, Path: rel}, true
		}
		return Event{}, false
	}
	sum := blake3.Sum256(content)
	w.mu.Lock()
	old, existed := w.hashes[rel]
	w.hashes[rel] = sum
	w.mu.Unlock()
	if !existed {
		return Event{Kind: Created, Path: rel, Content: content}, true
	}
	if old != sum {
		return Event{Kind: Modified, Path: rel, Content: content}, true
	}
	return Event{}, false
}

// Pause stops event detection and blocks until the run loop acknowledges.
// Every programmatic write to the mirrored tree must happen between Pause
// and Resume.
func (w *Watcher) Pause(ctx context.Context) error {
	return w.sendControl(ctx, ctrlPause)
}

// Resume re-enables event detection.
func (w *Watcher) Resume(ctx context.Context) error {
	return w.sendControl(ctx, ctrlResume)
}

func (w *Watcher) sendControl(ctx context.Context, kind controlKind) error {
	msg := controlMsg{kind: kind, ack: make(chan struct{})}
	select {
	case w.control <- msg:
	case <-w.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-msg.ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ApplyBatch performs writes against the tree, updates the hash table and
// returns the events that describe what effectively changed. Nothing is
// emitted on the watch stream. Callers must hold the pause gate.
func (w *Watcher) ApplyBatch(writes []Write) ([]Event, error) {
	var out []Event
	for _, wr := range writes {
		rel := filepath.ToSlash(wr.Path)
		abs := w.abs(rel)
		if wr.Delete {
			w.mu.Lock()
			_, existed := w.hashes[rel]
			delete(w.hashes, rel)
			w.mu.Unlock()
			if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
				return out, fmt.Errorf("delete %s: %w", rel, err)
			}
			if existed {
				out = append(out, Event{Kind: Deleted, Path: rel})
			}
			continue
		}

		sum := blake3.Sum256(wr.Content)
		w.mu.Lock()
		old, existed := w.hashes[rel]
		w.mu.Unlock()
		if existed && old == sum {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
			return out, fmt.Errorf("create parent of %s: %w", rel, err)
		}
		if err := os.WriteFile(abs, wr.Content, 0644); err != nil {
			return out, fmt.Errorf("write %s: %w", rel, err)
		}
		w.mu.Lock()
		w.hashes[rel] = sum
		w.mu.Unlock()
		kind := Modified
		if !existed {
			kind = Created
		}
		out = append(out, Event{Kind: kind, Path: rel, Content: wr.Content})
	}
	return out, nil
}

// HashOf returns the last known content hash for a project-relative path.
func (w *Watcher) HashOf(rel string) ([32]byte, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	h, ok := w.hashes[rel]
	return h, ok
}

// TrackedPaths returns every path currently in the hash table.
func (w *Watcher) TrackedPaths() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	paths := make([]string, 0, len(w.hashes))
	for p := range w.hashes {
		paths = append(paths, p)
	}
	return paths
}

func (w *Watcher) rel(abs string) (string, error) {
	rel, err := filepath.Rel(w.root, abs)
	if err != nil {
		return "", err
	}
	rel = filepath.ToSlash(rel)
	if strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("path %s escapes project root", abs)
	}
	return rel, nil
}

func (w *Watcher) abs(rel string) string {
	return filepath.Join(w.root, filepath.FromSlash(rel))
}
