package fqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// On-disk layout under the queue root. Visible envelopes live in queue/ named
// by their FQMsgID; envelopes claimed by an uncommitted transaction live in
// inflight/; tmp/ stages writes so a crash never leaves a half-written record
// visible.
const (
	queueDir    = "queue"
	inflightDir = "inflight"
	tmpDir      = "tmp"

	fileSuffix = ".json"

	dirPerm  = 0o750
	filePerm = 0o640

	defaultPoll = 500 * time.Millisecond
)

// Sentinel errors for queue operations.
var (
	// ErrStopped is returned by TPop when the queue has been stopped and no
	// envelope is available.
	ErrStopped = errors.New("file queue stopped")

	// ErrTxnFinished is returned when Commit or Rollback is called on an
	// already finished transaction.
	ErrTxnFinished = errors.New("transaction already finished")
)

type (
	// Config holds file queue tuning knobs.
	Config struct {
		// Poll is the fallback scan interval used when the filesystem
		// watcher misses events (or cannot be established at all).
		Poll time.Duration

		// OptimizeList caches the sorted directory listing between pops so
		// a deep queue is not re-scanned for every claim. Entries claimed
		// by another process resolve as lost rename races either way.
		OptimizeList bool
	}

	// Queue is a durable FIFO handle over one directory tree. Safe for use
	// by concurrent goroutines; multiple processes may share one tree, with
	// the atomic claim rename arbitrating between poppers.
	Queue struct {
		root   string
		poll   time.Duration
		logger *slog.Logger
		ids    idGenerator

		watcher *fsnotify.Watcher
		wake    chan struct{}

		mu           sync.Mutex
		stopped      bool
		stopCh       chan struct{}
		optimizeList bool
		cached       []string
	}

	// Txn is one transactional pop. The claimed envelope remains on disk
	// until Commit removes it; Rollback returns it to the visible queue.
	// Exactly one of the two must be called.
	Txn struct {
		// Message is the claimed envelope.
		Message *Message

		queue    *Queue
		name     string
		finished bool
		mu       sync.Mutex
	}
)

// New opens (creating if missing) the queue rooted at path and recovers any
// envelopes left in-flight by a previous unclean shutdown.
func New(path string, cfg Config, logger *slog.Logger) (*Queue, error) {
	if logger == nil {
		logger = slog.Default()
	}

	for _, sub := range []string{queueDir, inflightDir, tmpDir} {
		if err := os.MkdirAll(filepath.Join(path, sub), dirPerm); err != nil {
			return nil, fmt.Errorf("failed to create queue directory %s: %w", sub, err)
		}
	}

	poll := cfg.Poll
	if poll <= 0 {
		poll = defaultPoll
	}

	q := &Queue{
		root:         path,
		poll:         poll,
		logger:       logger,
		wake:         make(chan struct{}, 1),
		stopCh:       make(chan struct{}),
		optimizeList: cfg.OptimizeList,
	}

	if err := q.recover(); err != nil {
		return nil, err
	}

	// The watcher is best-effort: the poll ticker in TPop covers missed or
	// unavailable inotify events.
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("File queue watcher unavailable, falling back to polling",
			slog.String("path", path),
			slog.String("error", err.Error()))
	} else if err := watcher.Add(filepath.Join(path, queueDir)); err != nil {
		logger.Warn("File queue watch failed, falling back to polling",
			slog.String("path", path),
			slog.String("error", err.Error()))

		_ = watcher.Close()
	} else {
		q.watcher = watcher
		go q.watch()
	}

	return q, nil
}

// recover returns every in-flight envelope to the visible queue. An envelope
// is in-flight only while a transaction is open, so anything found here was
// orphaned by a crash and must be re-delivered.
func (q *Queue) recover() error {
	names, err := q.list(inflightDir)
	if err != nil {
		return err
	}

	for _, name := range names {
		src := filepath.Join(q.root, inflightDir, name)
		dst := filepath.Join(q.root, queueDir, name)

		if err := os.Rename(src, dst); err != nil {
			return fmt.Errorf("failed to recover in-flight envelope %s: %w", name, err)
		}

		q.logger.Info("Recovered in-flight envelope", slog.String("fq_msg_id", name))
	}

	return nil
}

func (q *Queue) watch() {
	for {
		select {
		case event, ok := <-q.watcher.Events:
			if !ok {
				return
			}

			if event.Op.Has(fsnotify.Create) || event.Op.Has(fsnotify.Rename) {
				q.notify()
			}
		case _, ok := <-q.watcher.Errors:
			if !ok {
				return
			}
		case <-q.stopCh:
			return
		}
	}
}

func (q *Queue) notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Push persists one envelope and returns once it is durable. The envelope is
// staged in tmp/, fsynced, renamed into queue/, and the directory itself is
// fsynced, so a crash at any point either keeps the whole record or none of
// it. Assigns an FQMsgID when msg carries none (a preset one is kept) and
// returns it.
func (q *Queue) Push(msg *Message) (string, error) {
	if msg.FQMsgID == "" {
		msg.FQMsgID = q.ids.next(time.Now())
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("failed to encode envelope: %w", err)
	}

	name := msg.FQMsgID + fileSuffix
	tmpPath := filepath.Join(q.root, tmpDir, name)
	dstPath := filepath.Join(q.root, queueDir, name)

	file, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, filePerm)
	if err != nil {
		return "", fmt.Errorf("failed to stage envelope: %w", err)
	}

	if _, err := file.Write(data); err != nil {
		_ = file.Close()
		_ = os.Remove(tmpPath)

		return "", fmt.Errorf("failed to write envelope: %w", err)
	}

	if err := file.Sync(); err != nil {
		_ = file.Close()
		_ = os.Remove(tmpPath)

		return "", fmt.Errorf("failed to sync envelope: %w", err)
	}

	if err := file.Close(); err != nil {
		return "", fmt.Errorf("failed to close envelope: %w", err)
	}

	if err := os.Rename(tmpPath, dstPath); err != nil {
		return "", fmt.Errorf("failed to publish envelope: %w", err)
	}

	if err := q.syncDir(filepath.Join(q.root, queueDir)); err != nil {
		return "", err
	}

	q.notify()

	return msg.FQMsgID, nil
}

func (q *Queue) syncDir(path string) error {
	dir, err := os.Open(path) //nolint:gosec // path is under the queue root
	if err != nil {
		return fmt.Errorf("failed to open queue directory: %w", err)
	}

	defer func() {
		_ = dir.Close()
	}()

	if err := dir.Sync(); err != nil {
		return fmt.Errorf("failed to sync queue directory: %w", err)
	}

	return nil
}

// TPop claims the oldest visible envelope and returns it wrapped in a
// transaction. Blocks until an envelope appears, ctx is cancelled, or the
// queue is stopped. An open transaction survives Stop and stays valid until
// committed or rolled back.
func (q *Queue) TPop(ctx context.Context) (*Txn, error) {
	ticker := time.NewTicker(q.poll)
	defer ticker.Stop()

	for {
		txn, err := q.tryClaim()
		if err != nil {
			return nil, err
		}

		if txn != nil {
			return txn, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.stopCh:
			return nil, ErrStopped
		case <-q.wake:
		case <-ticker.C:
		}
	}
}

// tryClaim attempts to move the head envelope into inflight/. A lost rename
// race (another popper claimed first) moves on to the next candidate.
func (q *Queue) tryClaim() (*Txn, error) {
	names, err := q.candidates()
	if err != nil {
		return nil, err
	}

	for i, name := range names {
		src := filepath.Join(q.root, queueDir, name)
		dst := filepath.Join(q.root, inflightDir, name)

		if err := os.Rename(src, dst); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}

			return nil, fmt.Errorf("failed to claim envelope %s: %w", name, err)
		}

		data, err := os.ReadFile(dst) //nolint:gosec // path is under the queue root
		if err != nil {
			return nil, fmt.Errorf("failed to read claimed envelope %s: %w", name, err)
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("failed to decode claimed envelope %s: %w", name, err)
		}

		if q.optimizeList && i+1 < len(names) {
			q.mu.Lock()
			q.cached = names[i+1:]
			q.mu.Unlock()
		}

		return &Txn{Message: &msg, queue: q, name: name}, nil
	}

	return nil, nil //nolint:nilnil // no envelope available, caller keeps waiting
}

// candidates returns the sorted visible envelope names, consuming the cache
// when list optimization is on.
func (q *Queue) candidates() ([]string, error) {
	if !q.optimizeList {
		return q.list(queueDir)
	}

	q.mu.Lock()
	cached := q.cached
	q.cached = nil
	q.mu.Unlock()

	if len(cached) > 0 {
		return cached, nil
	}

	return q.list(queueDir)
}

func (q *Queue) list(sub string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(q.root, sub))
	if err != nil {
		return nil, fmt.Errorf("failed to list queue directory %s: %w", sub, err)
	}

	names := make([]string, 0, len(entries))

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != fileSuffix {
			continue
		}

		names = append(names, entry.Name())
	}

	// FQMsgIDs are zero-padded, so lexicographic order is arrival order.
	sort.Strings(names)

	return names, nil
}

// Len returns the number of visible envelopes. In-flight envelopes are not
// counted.
func (q *Queue) Len() (int, error) {
	names, err := q.list(queueDir)
	if err != nil {
		return 0, err
	}

	return len(names), nil
}

// Stop shuts down the watcher and unblocks pending TPop calls. Transactions
// already handed out remain valid.
func (q *Queue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped {
		return
	}

	q.stopped = true
	close(q.stopCh)

	if q.watcher != nil {
		_ = q.watcher.Close()
	}
}

// Commit removes the claimed envelope from disk, completing the transaction.
func (t *Txn) Commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.finished {
		return ErrTxnFinished
	}

	t.finished = true

	path := filepath.Join(t.queue.root, inflightDir, t.name)
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("failed to commit envelope %s: %w", t.name, err)
	}

	return nil
}

// Rollback returns the claimed envelope to the visible queue. Its original
// FQMsgID puts it back at the head.
func (t *Txn) Rollback() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.finished {
		return ErrTxnFinished
	}

	t.finished = true

	src := filepath.Join(t.queue.root, inflightDir, t.name)
	dst := filepath.Join(t.queue.root, queueDir, t.name)

	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("failed to roll back envelope %s: %w", t.name, err)
	}

	// Drop any cached listing so the next pop sees the returned envelope.
	t.queue.mu.Lock()
	t.queue.cached = nil
	t.queue.mu.Unlock()

	t.queue.notify()

	return nil
}
