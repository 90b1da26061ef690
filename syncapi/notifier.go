// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package syncapi

import (
	"sync"

	"github.com/bureau-foundation/chancery/lib/ref"
)

// Notifier parks sync waiters per room and wakes them on appends. A
// waiter subscribed to several rooms wakes when any of them advances.
// Cancellation just removes the parked entry; there are no side
// effects to undo.
type Notifier struct {
	mu      sync.Mutex
	waiters map[ref.RoomID]map[*subscription]struct{}
}

// NewNotifier returns an empty notifier.
func NewNotifier() *Notifier {
	return &Notifier{waiters: make(map[ref.RoomID]map[*subscription]struct{})}
}

// subscription is one parked waiter. wake is buffered so Notify never
// blocks; a single pending wake is enough — the waiter re-reads the
// store when it runs.
type subscription struct {
	rooms []ref.RoomID
	wake  chan struct{}
}

// Subscribe parks a waiter on the given rooms. The caller selects on
// Wake() and must call Cancel when done, on every path.
func (n *Notifier) Subscribe(rooms []ref.RoomID) *subscription {
	sub := &subscription{
		rooms: rooms,
		wake:  make(chan struct{}, 1),
	}
	n.mu.Lock()
	for _, roomID := range rooms {
		set, ok := n.waiters[roomID]
		if !ok {
			set = make(map[*subscription]struct{})
			n.waiters[roomID] = set
		}
		set[sub] = struct{}{}
	}
	n.mu.Unlock()
	return sub
}

// Wake returns the channel signaled when any subscribed room
// advances.
func (s *subscription) Wake() <-chan struct{} { return s.wake }

// Cancel removes the subscription from every room's wait list.
func (n *Notifier) Cancel(sub *subscription) {
	n.mu.Lock()
	for _, roomID := range sub.rooms {
		if set, ok := n.waiters[roomID]; ok {
			delete(set, sub)
			if len(set) == 0 {
				delete(n.waiters, roomID)
			}
		}
	}
	n.mu.Unlock()
}

// Notify wakes every waiter parked on the room. Called after an
// append commits; waiters re-read the store, so a wake with nothing
// visible yet is harmless.
func (n *Notifier) Notify(roomID ref.RoomID) {
	n.mu.Lock()
	for sub := range n.waiters[roomID] {
		select {
		case sub.wake <- struct{}{}:
		default:
			// A wake is already pending; one is enough.
		}
	}
	n.mu.Unlock()
}

// WaiterCount reports the number of waiters parked on the room.
// Exposed for tests and metrics.
func (n *Notifier) WaiterCount(roomID ref.RoomID) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.waiters[roomID])
}
