package lock

import (
	"context"
	"sync"
	"time"

	"github.com/stanstork/ocms-cron/internal/models"
)

// Memory is a Coordinator for a single instance. Separate Memory values
// sharing one Table behave like separate processes sharing a lock table.
type Memory struct {
	table  *Table
	holder string
	now    Clock
}

// Table is the shared state behind one or more Memory coordinators.
type Table struct {
	mu      sync.Mutex
	entries map[string]models.LockEntry
}

func NewTable() *Table {
	return &Table{entries: make(map[string]models.LockEntry)}
}

func NewMemory(table *Table, holder string, now Clock) *Memory {
	if table == nil {
		table = NewTable()
	}
	if now == nil {
		now = time.Now
	}
	return &Memory{table: table, holder: holder, now: now}
}

func (m *Memory) TryAcquire(_ context.Context, name string, minHold, maxHold time.Duration) (bool, error) {
	if err := checkHold(name, minHold, maxHold); err != nil {
		return false, err
	}
	now := m.now()

	m.table.mu.Lock()
	defer m.table.mu.Unlock()
	if cur, ok := m.table.entries[name]; ok && cur.Live(now) {
		return false, nil
	}
	m.table.entries[name] = models.LockEntry{
		Name:         name,
		LockedBy:     m.holder,
		LockedAt:     now,
		LockUntil:    now.Add(maxHold),
		MinHoldUntil: now.Add(minHold),
	}
	return true, nil
}

func (m *Memory) Release(_ context.Context, name string) error {
	now := m.now()

	m.table.mu.Lock()
	defer m.table.mu.Unlock()
	cur, ok := m.table.entries[name]
	if !ok || cur.LockedBy != m.holder {
		return nil
	}
	until := now
	if cur.MinHoldUntil.After(now) {
		until = cur.MinHoldUntil
	}
	cur.LockUntil = until
	m.table.entries[name] = cur
	return nil
}

// Entry returns a copy of the current entry for name.
func (t *Table) Entry(name string) (models.LockEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[name]
	return e, ok
}
