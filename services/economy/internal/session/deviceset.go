package session

import (
	"container/heap"

	"github.com/promptmarket/economy/services/economy/internal/storage"
)

// deviceSet holds a user's active devices ordered by last activity. It is
// bounded by limit: once full, room is made by evicting the oldest entry.
type deviceSet struct {
	limit int
	items deviceHeap
}

func newDeviceSet(limit int, devices []storage.ConnectedDevice) *deviceSet {
	s := &deviceSet{limit: limit, items: make(deviceHeap, 0, len(devices))}
	s.items = append(s.items, devices...)
	heap.Init(&s.items)
	return s
}

func (s *deviceSet) full() bool { return s.items.Len() >= s.limit }

func (s *deviceSet) evictOldest() (storage.ConnectedDevice, bool) {
	if s.items.Len() == 0 {
		return storage.ConnectedDevice{}, false
	}
	return heap.Pop(&s.items).(storage.ConnectedDevice), true
}

// makeRoom evicts until one more device fits.
func (s *deviceSet) makeRoom() []storage.ConnectedDevice {
	var evicted []storage.ConnectedDevice
	for s.full() {
		d, ok := s.evictOldest()
		if !ok {
			break
		}
		evicted = append(evicted, d)
	}
	return evicted
}

type deviceHeap []storage.ConnectedDevice

func (h deviceHeap) Len() int { return len(h) }

func (h deviceHeap) Less(i, j int) bool {
	if !h[i].LastActive.Equal(h[j].LastActive) {
		return h[i].LastActive.Before(h[j].LastActive)
	}
	if !h[i].CreatedAt.Equal(h[j].CreatedAt) {
		return h[i].CreatedAt.Before(h[j].CreatedAt)
	}
	return h[i].ID.String() < h[j].ID.String()
}

func (h deviceHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *deviceHeap) Push(x any) {
	*h = append(*h, x.(storage.ConnectedDevice))
}

func (h *deviceHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
