package queue

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/vantahealth/fhirsync/internal/store"
)

// Entry is one journaled offline write: the resource snapshot and the
// queue item that must land together.
type Entry struct {
	Seq       int64           `json:"seq"`
	Resource  *store.Resource `json:"resource,omitempty"`
	Item      Item            `json:"item"`
	Committed bool            `json:"committed,omitempty"`
}

// Journal is an append-only write-ahead log for offline writes. An entry
// is appended and fsynced before either local effect runs and committed
// after both succeed; Replay re-applies whatever was left uncommitted by
// a crash. The file is truncated whenever no entry remains pending.
type Journal struct {
	path string

	mu      sync.Mutex
	file    *os.File
	nextSeq int64
	pending map[int64]bool
}

// OpenJournal opens (or creates) the journal file under dataDir.
func OpenJournal(dataDir string) (*Journal, error) {
	path := filepath.Join(dataDir, "journal.log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	return &Journal{path: path, file: f, nextSeq: 1, pending: make(map[int64]bool)}, nil
}

// Append records an entry and returns its sequence number. The write is
// fsynced: once Append returns, the entry survives a crash.
func (j *Journal) Append(e Entry) (int64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	e.Seq = j.nextSeq
	j.nextSeq++

	if err := j.writeLocked(e); err != nil {
		return 0, err
	}
	j.pending[e.Seq] = true
	return e.Seq, nil
}

// Commit marks an entry as fully applied. Commit failures are logged only:
// the worst case is a redundant idempotent replay.
func (j *Journal) Commit(seq int64) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.writeLocked(Entry{Seq: seq, Committed: true}); err != nil {
		slog.Warn("journal commit not recorded", "seq", seq, "error", err)
		return
	}
	delete(j.pending, seq)
	if len(j.pending) == 0 {
		j.truncateLocked()
	}
}

// Replay reads the journal and invokes apply for every entry that was
// never committed, oldest first. On success the journal is truncated.
func (j *Journal) Replay(apply func(Entry) error) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	f, err := os.Open(j.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read journal: %w", err)
	}

	begun := make(map[int64]Entry)
	var order []int64
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			slog.Warn("skipping corrupt journal line", "error", err)
			continue
		}
		if e.Committed {
			delete(begun, e.Seq)
			continue
		}
		if _, ok := begun[e.Seq]; !ok {
			order = append(order, e.Seq)
		}
		begun[e.Seq] = e
		if e.Seq >= j.nextSeq {
			j.nextSeq = e.Seq + 1
		}
	}
	f.Close()
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to scan journal: %w", err)
	}

	for _, seq := range order {
		e, ok := begun[seq]
		if !ok {
			continue
		}
		if err := apply(e); err != nil {
			return fmt.Errorf("failed to replay journal entry %d: %w", seq, err)
		}
		slog.Info("replayed interrupted offline write",
			"type", e.Item.ResourceType, "action", e.Item.Action, "id", e.Item.ResourceID)
	}

	j.pending = make(map[int64]bool)
	j.truncateLocked()
	return nil
}

// Close releases the journal file.
func (j *Journal) Close() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file != nil {
		j.file.Close()
		j.file = nil
	}
}

func (j *Journal) writeLocked(e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal journal entry: %w", err)
	}
	if _, err := j.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to append journal entry: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync journal: %w", err)
	}
	return nil
}

func (j *Journal) truncateLocked() {
	if j.file == nil {
		return
	}
	if err := j.file.Truncate(0); err != nil {
		slog.Warn("journal truncate failed", "error", err)
	}
}
