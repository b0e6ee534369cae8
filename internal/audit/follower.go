package audit

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"posnorm/internal/logging"
)

// Follower tails the audit JSONL file and delivers newly appended events.
// Writes are debounced so a burst of appends is read in one pass.
type Follower struct {
	mu        sync.Mutex
	watcher   *fsnotify.Watcher
	path      string
	offset    int64
	debounce  time.Duration
	lastWrite time.Time
	dirty     bool
	events    chan map[string]any
	stopCh    chan struct{}
	doneCh    chan struct{}
	running   bool
}

// NewFollower creates a Follower for the given audit log path. The file does
// not need to exist yet; events are delivered once it appears.
func NewFollower(path string) (*Follower, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Follower{
		watcher:  watcher,
		path:     path,
		debounce: 500 * time.Millisecond,
		events:   make(chan map[string]any, 64),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Events returns the channel new audit events are delivered on. The channel
// is closed when the follower stops.
func (f *Follower) Events() <-chan map[string]any { return f.events }

// Start begins tailing from the current end of file. Non-blocking.
func (f *Follower) Start(ctx context.Context) error {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return nil
	}
	f.running = true
	f.mu.Unlock()

	if info, err := os.Stat(f.path); err == nil {
		f.offset = info.Size()
	}

	// Watch the directory: the log file may not exist yet, and appends on
	// some platforms are reported against the parent.
	dir := filepath.Dir(f.path)
	if err := f.watcher.Add(dir); err != nil {
		logging.AuditWarn("follower: watch failed for %s: %v", dir, err)
	} else {
		logging.Audit("follower: watching %s", dir)
	}

	go f.run(ctx)
	return nil
}

// Stop stops the follower and waits for the event loop to exit.
func (f *Follower) Stop() {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return
	}
	f.running = false
	f.mu.Unlock()

	close(f.stopCh)
	<-f.doneCh
	_ = f.watcher.Close()
}

func (f *Follower) run(ctx context.Context) {
	defer close(f.doneCh)
	defer close(f.events)

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-f.stopCh:
			return
		case event, ok := <-f.watcher.Events:
			if !ok {
				return
			}
			f.handleEvent(event)
		case err, ok := <-f.watcher.Errors:
			if !ok {
				return
			}
			logging.AuditWarn("follower error: %v", err)
		case <-ticker.C:
			f.flushIfSettled(ctx)
		}
	}
}

func (f *Follower) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != filepath.Clean(f.path) {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return
	}
	f.mu.Lock()
	f.dirty = true
	f.lastWrite = time.Now()
	f.mu.Unlock()
}

func (f *Follower) flushIfSettled(ctx context.Context) {
	f.mu.Lock()
	if !f.dirty || time.Since(f.lastWrite) < f.debounce {
		f.mu.Unlock()
		return
	}
	f.dirty = false
	f.mu.Unlock()

	f.readNew(ctx)
}

// readNew reads appended lines from the last offset and delivers every
// parseable event.
func (f *Follower) readNew(ctx context.Context) {
	file, err := os.Open(f.path)
	if err != nil {
		if !os.IsNotExist(err) {
			logging.AuditWarn("follower: open failed: %v", err)
		}
		return
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return
	}
	if info.Size() < f.offset {
		// File truncated or rotated; start over.
		f.offset = 0
	}
	if _, err := file.Seek(f.offset, io.SeekStart); err != nil {
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		logging.AuditWarn("follower: read failed: %v", err)
		return
	}

	// Only consume complete lines; a partially written tail is left for the
	// next pass.
	consumed := 0
	for {
		nl := strings.IndexByte(string(data[consumed:]), '\n')
		if nl < 0 {
			break
		}
		line := strings.TrimSpace(string(data[consumed : consumed+nl]))
		consumed += nl + 1
		if line == "" {
			continue
		}
		var parsed map[string]any
		if err := json.Unmarshal([]byte(line), &parsed); err != nil {
			continue
		}
		select {
		case f.events <- parsed:
		case <-ctx.Done():
			return
		case <-f.stopCh:
			return
		}
	}
	f.offset += int64(consumed)
}
