package storage

import (
	"context"
	"sync"
)

// Directory is the read-only profile and preference adapter. Profiles are
// immutable snapshots for matching purposes, so implementations may cache
// them at process level.
type Directory interface {
	// Lookup returns the profile for pid, ErrNotFound when missing.
	Lookup(ctx context.Context, pid uint64) (*Profile, error)
	// Snapshot batch-reads profiles; missing pids are absent from the map.
	Snapshot(ctx context.Context, pids []uint64) (map[uint64]*Profile, error)
	Close(ctx context.Context) error
}

// MemDirectory serves seeded profiles for tests and the simulator.
type MemDirectory struct {
	mu       sync.RWMutex
	profiles map[uint64]*Profile
}

func NewMemDirectory() *MemDirectory {
	return &MemDirectory{profiles: make(map[uint64]*Profile)}
}

// Seed registers a profile. Later seeds for the same pid overwrite.
func (d *MemDirectory) Seed(p *Profile) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := *p
	d.profiles[p.PID] = &cp
}

func (d *MemDirectory) Lookup(ctx context.Context, pid uint64) (*Profile, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.profiles[pid]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (d *MemDirectory) Snapshot(ctx context.Context, pids []uint64) (map[uint64]*Profile, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[uint64]*Profile, len(pids))
	for _, pid := range pids {
		if p, ok := d.profiles[pid]; ok {
			cp := *p
			out[pid] = &cp
		}
	}
	return out, nil
}

func (d *MemDirectory) Close(ctx context.Context) error { return nil }
