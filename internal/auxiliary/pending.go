package auxiliary

import (
	"sort"
	"sync"
	"time"
)

// PendingRequest tracks one command between enqueue and completion.
type PendingRequest struct {
	ID         uint64
	Command    string
	Attempts   int
	QueuedAt   time.Time
	StartedAt  time.Time
	DeadlineAt time.Time
	LastError  string
}

// PendingTable stores in-flight requests by id.
type PendingTable struct {
	mu    sync.RWMutex
	items map[uint64]PendingRequest
}

func NewPendingTable() *PendingTable {
	return &PendingTable{items: make(map[uint64]PendingRequest)}
}

func (p *PendingTable) Upsert(item PendingRequest) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.items[item.ID] = item
}

func (p *PendingTable) MarkStarted(id uint64, at time.Time) (PendingRequest, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	item, ok := p.items[id]
	if !ok {
		return PendingRequest{}, false
	}
	item.Attempts++
	item.StartedAt = at
	p.items[id] = item
	return item, true
}

func (p *PendingTable) MarkError(id uint64, lastErr string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if item, ok := p.items[id]; ok {
		item.LastError = lastErr
		p.items[id] = item
	}
}

func (p *PendingTable) Remove(id uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.items, id)
}

func (p *PendingTable) Get(id uint64) (PendingRequest, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	item, ok := p.items[id]
	return item, ok
}

func (p *PendingTable) List() []PendingRequest {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PendingRequest, 0, len(p.items))
	for _, item := range p.items {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID < out[j].ID
	})
	return out
}
