// Package persistence keeps an append-only journal of mutating traversal
// requests so the reference server can rebuild its graph after a restart.
//
// Entries are stored exactly as they travel on the wire: one CRC-checked
// request frame after another. Replay reads them back with the wire decoder.
package persistence

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/sanonone/graphwire/pkg/wire"
)

// DefaultSyncInterval is how often buffered journal writes are fsynced.
const DefaultSyncInterval = time.Second

// Options tune the durability of a Journal.
type Options struct {
	// SyncInterval is the period of the background fsync. Zero syncs after
	// every append; the crash window otherwise is about one interval.
	SyncInterval time.Duration
	Logger       *slog.Logger
}

// Journal appends encoded request frames to a file.
type Journal struct {
	mu   sync.Mutex
	file *os.File
	buf  *bufio.Writer
	path string
	opts Options

	entries int
	dirty   bool

	stopCh chan struct{}
	wg     sync.WaitGroup
	closed bool
}

// Open opens or creates the journal at path.
func Open(path string, opts Options) (*Journal, error) {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	j := &Journal{
		file:   file,
		buf:    bufio.NewWriter(file),
		path:   path,
		opts:   opts,
		stopCh: make(chan struct{}),
	}
	if opts.SyncInterval > 0 {
		j.wg.Add(1)
		go j.syncLoop()
	}
	return j, nil
}

// Append journals one request. The frame reaches the OS before Append
// returns; fsync follows the SyncInterval policy.
func (j *Journal) Append(req *wire.Request) error {
	frame, err := wire.EncodeRequest(req)
	if err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return errors.New("journal is closed")
	}
	if _, err := j.buf.Write(frame); err != nil {
		return err
	}
	if err := j.buf.Flush(); err != nil {
		return err
	}
	j.entries++
	if j.opts.SyncInterval == 0 {
		return j.file.Sync()
	}
	j.dirty = true
	return nil
}

func (j *Journal) syncLoop() {
	defer j.wg.Done()
	ticker := time.NewTicker(j.opts.SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-j.stopCh:
			return
		case <-ticker.C:
			if err := j.Sync(); err != nil {
				j.opts.Logger.Error("[journal] Background sync failed", "path", j.path, "error", err)
			}
		}
	}
}

// Sync flushes buffered data and fsyncs the file if anything changed.
func (j *Journal) Sync() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed || !j.dirty {
		return nil
	}
	if err := j.buf.Flush(); err != nil {
		return err
	}
	j.dirty = false
	return j.file.Sync()
}

// Entries returns how many requests were appended through this Journal.
func (j *Journal) Entries() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.entries
}

// Close stops the background sync, flushes and closes the file.
func (j *Journal) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	j.mu.Unlock()

	close(j.stopCh)
	j.wg.Wait()

	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.buf.Flush(); err != nil {
		_ = j.file.Close()
		return err
	}
	if err := j.file.Sync(); err != nil {
		_ = j.file.Close()
		return err
	}
	return j.file.Close()
}

// Replay calls fn for every journaled request in order and returns how many
// were applied. A missing file replays nothing. A torn frame at the very end,
// left by a crash mid-append, is cut off so the next Open appends right after
// the last whole entry; corruption anywhere else is an error.
func Replay(path string, fn func(*wire.Request) error) (int, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read journal: %w", err)
	}

	r := bytes.NewReader(data)
	offset, applied := 0, 0
	for {
		_, _, n, err := wire.ReadFrame(r)
		if err == io.EOF {
			return applied, nil
		}
		if errors.Is(err, wire.ErrIncompleteFrame) {
			slog.Warn("[journal] Discarding torn frame at end of journal", "path", path, "offset", offset, "bytes", len(data)-offset)
			if err := os.Truncate(path, int64(offset)); err != nil {
				return applied, fmt.Errorf("failed to cut torn journal tail: %w", err)
			}
			return applied, nil
		}
		if err != nil {
			return applied, fmt.Errorf("journal %s corrupt at offset %d: %w", path, offset, err)
		}

		req, err := wire.DecodeRequest(data[offset : offset+n])
		if err != nil {
			return applied, fmt.Errorf("journal %s: entry at offset %d: %w", path, offset, err)
		}
		if err := fn(req); err != nil {
			return applied, fmt.Errorf("journal %s: replaying entry at offset %d: %w", path, offset, err)
		}
		offset += n
		applied++
	}
}
