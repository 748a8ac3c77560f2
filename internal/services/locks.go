package services

import (
	"context"
	"sync"

	"github.com/vypdev/vaultstadio-sub008/internal/models"
)

// itemLocks hands out one mutex per item and drops it once nobody holds or
// waits for it.
type itemLocks struct {
	mu    sync.Mutex
	locks map[string]*itemLock
}

type itemLock struct {
	mu   sync.Mutex
	refs int
}

func newItemLocks() *itemLocks {
	return &itemLocks{locks: make(map[string]*itemLock)}
}

func (l *itemLocks) lock(ownerID, itemID string) func() {
	key := ownerID + "/" + itemID
	l.mu.Lock()
	e, ok := l.locks[key]
	if !ok {
		e = &itemLock{}
		l.locks[key] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		l.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
	}
}

func (l *itemLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

// heldItem is one item lock plus the records appended while holding it.
// The records are announced after the lock is released.
type heldItem struct {
	s        *SyncService
	ctx      context.Context
	unlock   func()
	appended []models.ChangeRecord
}

func (s *SyncService) lockItem(ctx context.Context, ownerID, itemID string) *heldItem {
	return &heldItem{s: s, ctx: ctx, unlock: s.locks.lock(ownerID, itemID)}
}

func (h *heldItem) release() {
	h.unlock()
	for _, rec := range h.appended {
		h.s.publish(h.ctx, rec)
	}
	h.appended = nil
}
