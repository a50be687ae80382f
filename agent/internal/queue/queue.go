package queue

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/scanagent/scanagent/agent/internal/record"
)

// StorageCorruptionError reports a backlog file that could not be parsed.
// The file has been moved to Quarantine unless that rename itself failed.
type StorageCorruptionError struct {
	Path       string
	Quarantine string
	Err        error
}

func (e *StorageCorruptionError) Error() string {
	if e.Quarantine == "" {
		return fmt.Sprintf("queue: unreadable backlog %s: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("queue: unreadable backlog %s quarantined to %s: %v", e.Path, e.Quarantine, e.Err)
}

func (e *StorageCorruptionError) Unwrap() error { return e.Err }

// Stats counts the records held in the backlog.
type Stats struct {
	Pending   int `json:"pending"`
	Attention int `json:"attention"`
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock replaces time.Now, for deterministic quarantine names in tests.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithQuarantineHook registers fn to be called after a corrupt backlog file
// has been moved aside. fn runs with the queue lock held and must not call
// back into the Queue.
func WithQuarantineHook(fn func(*StorageCorruptionError)) Option {
	return func(q *Queue) { q.onQuarantine = fn }
}

// Queue is the durable backlog: an append-only CSV file of records waiting
// for confirmed delivery, oldest first.
//
// Every operation takes the same mutex, so an append from the capture path
// never interleaves with a flusher rewrite. Appends grow the file in place
// and fsync before returning; every other mutation writes a temp file and
// renames it over the original.
type Queue struct {
	path         string
	mu           sync.Mutex
	now          func() time.Time
	onQuarantine func(*StorageCorruptionError)
}

// Open prepares the backlog at path. The file itself is created lazily by
// the first Append. Open validates an existing file (quarantining it when
// unreadable), migrates legacy files without an id column and removes temp
// files left by an interrupted rewrite.
func Open(path string, opts ...Option) (*Queue, error) {
	q := &Queue{path: path, now: time.Now}
	for _, o := range opts {
		o(q)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("queue: create dir: %w", err)
	}
	q.removeStaleTemps()

	q.mu.Lock()
	defer q.mu.Unlock()
	recs, err := q.loadLocked()
	if err != nil {
		return nil, err
	}
	slog.Info("queue: opened", "path", path, "records", len(recs))
	return q, nil
}

// Path returns the backlog file path.
func (q *Queue) Path() string { return q.path }

// Append adds rec to the tail of the backlog. The row is on stable storage
// when Append returns nil.
func (q *Queue) Append(rec record.Record) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	state, err := q.inspectLocked()
	if err != nil {
		return err
	}

	if state.needsRewrite() {
		// Foreign header or torn tail: go through the rename path so the new
		// row can never fuse with bytes that were not ours.
		recs, err := q.loadLocked()
		if err != nil {
			return err
		}
		return q.writeLocked(append(recs, rec))
	}

	f, err := os.OpenFile(q.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("queue: open for append: %w", err)
	}
	bw := bufio.NewWriter(f)
	if !state.exists {
		if err := writeHeader(bw); err != nil {
			f.Close()
			return fmt.Errorf("queue: write header: %w", err)
		}
	}
	if err := writeRows(bw, []record.Record{rec}); err != nil {
		f.Close()
		return fmt.Errorf("queue: append row: %w", err)
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("queue: append flush: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("queue: append sync: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("queue: append close: %w", err)
	}
	if !state.exists {
		syncDir(filepath.Dir(q.path))
	}
	return nil
}

// Peek returns up to n of the oldest pending records without removing them.
// Records marked for attention are skipped.
func (q *Queue) Peek(n int) ([]record.Record, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	recs, err := q.loadLocked()
	if err != nil {
		return nil, err
	}
	out := make([]record.Record, 0, min(n, len(recs)))
	for _, r := range recs {
		if len(out) >= n {
			break
		}
		if !r.Rejected() {
			out = append(out, r)
		}
	}
	return out, nil
}

// Remove deletes exactly the records whose IDs are in ids and returns how
// many were removed. IDs that are not present are ignored, so repeating a
// Remove is a no-op that leaves the file untouched.
func (q *Queue) Remove(ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	recs, err := q.loadLocked()
	if err != nil {
		return 0, err
	}
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	kept := recs[:0:0]
	for _, r := range recs {
		if _, ok := drop[r.ID]; !ok {
			kept = append(kept, r)
		}
	}
	removed := len(recs) - len(kept)
	if removed == 0 {
		return 0, nil
	}
	if err := q.writeLocked(kept); err != nil {
		return 0, err
	}
	return removed, nil
}

// MarkRejected records a terminal rejection for id. The record stays in the
// backlog, listed by Attention, and Peek skips it until Requeue.
func (q *Queue) MarkRejected(id string, status int, at time.Time) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	recs, err := q.loadLocked()
	if err != nil {
		return false, err
	}
	for i := range recs {
		if recs[i].ID == id {
			recs[i].RejectedStatus = status
			recs[i].RejectedAt = at.Truncate(time.Second)
			return true, q.writeLocked(recs)
		}
	}
	return false, nil
}

// Requeue clears the rejection mark of the given records so the flusher
// picks them up again. It returns how many records changed.
func (q *Queue) Requeue(ids []string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	recs, err := q.loadLocked()
	if err != nil {
		return 0, err
	}
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	changed := 0
	for i := range recs {
		if _, ok := want[recs[i].ID]; ok && recs[i].Rejected() {
			recs[i].RejectedStatus = 0
			recs[i].RejectedAt = time.Time{}
			changed++
		}
	}
	if changed == 0 {
		return 0, nil
	}
	return changed, q.writeLocked(recs)
}

// Attention lists the records the endpoint rejected, oldest first.
func (q *Queue) Attention() ([]record.Record, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	recs, err := q.loadLocked()
	if err != nil {
		return nil, err
	}
	var out []record.Record
	for _, r := range recs {
		if r.Rejected() {
			out = append(out, r)
		}
	}
	return out, nil
}

// All returns every record in the backlog, oldest first.
func (q *Queue) All() ([]record.Record, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.loadLocked()
}

// Stats returns pending and attention counts.
func (q *Queue) Stats() (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	recs, err := q.loadLocked()
	if err != nil {
		return Stats{}, err
	}
	var s Stats
	for _, r := range recs {
		if r.Rejected() {
			s.Attention++
		} else {
			s.Pending++
		}
	}
	return s, nil
}

// Len returns the number of records held, pending and attention alike.
func (q *Queue) Len() (int, error) {
	s, err := q.Stats()
	return s.Pending + s.Attention, err
}

// IsEmpty reports whether the backlog holds no records at all.
func (q *Queue) IsEmpty() (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	recs, err := q.loadLocked()
	if err != nil {
		return false, err
	}
	return len(recs) == 0, nil
}

// --- internal ---------------------------------------------------------------

type fileState struct {
	exists        bool
	foreignHeader bool
	tornTail      bool
}

func (s fileState) needsRewrite() bool { return s.exists && (s.foreignHeader || s.tornTail) }

// inspectLocked reads the header line and the last byte of the backlog.
func (q *Queue) inspectLocked() (fileState, error) {
	f, err := os.Open(q.path)
	if errors.Is(err, os.ErrNotExist) {
		return fileState{}, nil
	}
	if err != nil {
		return fileState{}, fmt.Errorf("queue: open: %w", err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return fileState{}, fmt.Errorf("queue: stat: %w", err)
	}
	if fi.Size() == 0 {
		// An empty file is rewritten with a header by the append path.
		return fileState{exists: true, foreignHeader: true}, nil
	}

	first, err := bufio.NewReader(f).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return fileState{}, fmt.Errorf("queue: read header: %w", err)
	}
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, fi.Size()-1); err != nil {
		return fileState{}, fmt.Errorf("queue: read tail: %w", err)
	}
	return fileState{
		exists:        true,
		foreignHeader: strings.TrimRight(first, "\r\n") != headerLine,
		tornTail:      last[0] != '\n',
	}, nil
}

// loadLocked reads every record. A corrupt file is quarantined and an empty
// backlog returned; a legacy file is migrated in place.
func (q *Queue) loadLocked() ([]record.Record, error) {
	data, err := os.ReadFile(q.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue: read: %w", err)
	}

	if i := bytes.LastIndexByte(data, '\n'); i != len(data)-1 {
		// Bytes after the last newline belong to an append that never
		// returned success.
		slog.Warn("queue: ignoring torn trailing row", "path", q.path, "bytes", len(data)-(i+1))
		data = data[:i+1]
	}

	recs, legacy, torn, err := decode(data)
	if err != nil {
		return nil, q.quarantineLocked(err)
	}
	switch {
	case legacy:
		slog.Info("queue: migrating legacy backlog", "path", q.path, "records", len(recs))
	case torn:
		// The file ends in a newline, so Append would not notice the open
		// quote and the next row would be swallowed by it. Rewrite now.
		slog.Warn("queue: dropping unterminated trailing record", "path", q.path, "records", len(recs))
	default:
		return recs, nil
	}
	if err := q.writeLocked(recs); err != nil {
		return nil, err
	}
	return recs, nil
}

// quarantineLocked moves the unreadable file aside so a fresh backlog can
// start without destroying its contents.
func (q *Queue) quarantineLocked(cause error) error {
	dest := fmt.Sprintf("%s.corrupt-%d", q.path, q.now().Unix())
	if err := os.Rename(q.path, dest); err != nil {
		return &StorageCorruptionError{Path: q.path, Err: fmt.Errorf("%v (quarantine failed: %w)", cause, err)}
	}
	syncDir(filepath.Dir(q.path))

	cerr := &StorageCorruptionError{Path: q.path, Quarantine: dest, Err: cause}
	slog.Error("queue: backlog unreadable, quarantined and starting empty",
		"path", q.path, "quarantine", dest, "err", cause)
	if q.onQuarantine != nil {
		q.onQuarantine(cerr)
	}
	return nil
}

// writeLocked replaces the backlog with recs via temp file + rename. An
// empty backlog removes the file.
func (q *Queue) writeLocked(recs []record.Record) error {
	dir := filepath.Dir(q.path)
	if len(recs) == 0 {
		if err := os.Remove(q.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("queue: remove empty backlog: %w", err)
		}
		syncDir(dir)
		return nil
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(q.path)+tempInfix+"*")
	if err != nil {
		return fmt.Errorf("queue: create temp: %w", err)
	}
	tmpName := tmp.Name()
	fail := func(step string, err error) error {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("queue: rewrite %s: %w", step, err)
	}

	bw := bufio.NewWriter(tmp)
	if err := writeHeader(bw); err != nil {
		return fail("header", err)
	}
	if err := writeRows(bw, recs); err != nil {
		return fail("rows", err)
	}
	if err := bw.Flush(); err != nil {
		return fail("flush", err)
	}
	if err := tmp.Sync(); err != nil {
		return fail("sync", err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		return fail("chmod", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("queue: rewrite close: %w", err)
	}
	if err := os.Rename(tmpName, q.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("queue: rewrite rename: %w", err)
	}
	syncDir(dir)
	return nil
}

// removeStaleTemps deletes temp files of rewrites interrupted by a crash.
// The original file is still intact in that case.
func (q *Queue) removeStaleTemps() {
	matches, err := filepath.Glob(q.path + tempInfix + "*")
	if err != nil {
		return
	}
	for _, m := range matches {
		if err := os.Remove(m); err == nil {
			slog.Warn("queue: removed interrupted rewrite", "file", m)
		}
	}
}

// syncDir makes a rename or create durable. Errors are ignored: some
// filesystems do not support fsync on directories.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	d.Close()
}
