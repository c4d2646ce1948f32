package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/tidwall/wal"

	"cupid/configs"
)

// Journal is the append-only audit log of state transitions and domain
// events. Records accumulate in a wal.Batch and a background ticker flushes
// them; recovery never reads the journal, the authoritative tables are the
// source of truth.
type Journal struct {
	latch  sync.Mutex
	lsn    uint64
	logs   *wal.Log
	buffer *wal.Batch
	cancel context.CancelFunc
	done   chan struct{}
}

// JournalRecord is the serialized form of one journal entry.
type JournalRecord struct {
	Kind    string    `json:"kind"`
	PID     uint64    `json:"pid,omitempty"`
	Partner uint64    `json:"partner,omitempty"`
	MatchID uint64    `json:"match_id,omitempty"`
	From    string    `json:"from,omitempty"`
	To      string    `json:"to,omitempty"`
	Trigger string    `json:"trigger,omitempty"`
	Detail  string    `json:"detail,omitempty"`
	At      time.Time `json:"at"`
}

// OpenJournal opens (or creates) the wal under dir and starts the batch
// sync loop.
func OpenJournal(dir string) (*Journal, error) {
	logs, err := wal.Open(filepath.Join(dir, "journal"), nil)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	lsn, err := logs.LastIndex()
	if err != nil {
		return nil, fmt.Errorf("journal last index: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	j := &Journal{
		lsn:    lsn,
		logs:   logs,
		buffer: &wal.Batch{},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go j.batchSyncLoop(ctx)
	return j, nil
}

// Append buffers one record. The write becomes durable on the next batch
// sync; Append itself never blocks on disk.
func (j *Journal) Append(rec *JournalRecord) {
	if j == nil {
		return
	}
	if rec.At.IsZero() {
		rec.At = time.Now()
	}
	byt, err := json.Marshal(rec)
	if err != nil {
		configs.Warn(false, "journal marshal failed: "+err.Error())
		return
	}
	j.latch.Lock()
	defer j.latch.Unlock()
	j.lsn++
	j.buffer.Write(j.lsn, byt)
}

func (j *Journal) batchSyncLoop(ctx context.Context) {
	defer close(j.done)
	lastLSN := j.currentLSN()
	for {
		select {
		case <-time.After(configs.JournalBatchInterval):
			lastLSN = j.flush(lastLSN)
		case <-ctx.Done():
			j.flush(lastLSN)
			return
		}
	}
}

func (j *Journal) currentLSN() uint64 {
	j.latch.Lock()
	defer j.latch.Unlock()
	return j.lsn
}

func (j *Journal) flush(lastLSN uint64) uint64 {
	j.latch.Lock()
	defer j.latch.Unlock()
	if j.lsn == lastLSN {
		return lastLSN
	}
	if err := j.logs.WriteBatch(j.buffer); err != nil {
		configs.Warn(false, "journal batch write failed: "+err.Error())
		return lastLSN
	}
	j.buffer.Clear()
	return j.lsn
}

// Close stops the sync loop, flushes the remaining batch, and closes the
// underlying log.
func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	j.cancel()
	<-j.done
	if err := j.logs.Sync(); err != nil {
		return err
	}
	return j.logs.Close()
}
