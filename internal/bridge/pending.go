package bridge

import (
	"errors"
	"sync"
)

// ErrRequestNotFound is returned when a request id is not pending.
var ErrRequestNotFound = errors.New("ride request not found")

// PendingRequests is a driver's list of offered rides, in arrival order.
type PendingRequests struct {
	mu    sync.Mutex
	items []RideRequest
}

// NewPendingRequests creates an empty list.
func NewPendingRequests() *PendingRequests {
	return &PendingRequests{}
}

// Add appends req unless a request with the same id is already listed.
func (p *PendingRequests) Add(req RideRequest) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.indexLocked(req.ID) >= 0 {
		return false
	}
	p.items = append(p.items, req)
	return true
}

// List returns a copy of the pending requests.
func (p *PendingRequests) List() []RideRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]RideRequest(nil), p.items...)
}

// Len is the number of pending requests.
func (p *PendingRequests) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.items)
}

// Clear drops every pending request.
func (p *PendingRequests) Clear() {
	p.mu.Lock()
	p.items = nil
	p.mu.Unlock()
}

// Take removes id tentatively. The removal is visible immediately; the caller
// must finish it with Confirm or undo it with Revert.
func (p *PendingRequests) Take(id string) (*Tentative, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	i := p.indexLocked(id)
	if i < 0 {
		return nil, ErrRequestNotFound
	}
	req := p.items[i]
	p.items = append(p.items[:i:i], p.items[i+1:]...)
	return &Tentative{list: p, req: req, index: i}, nil
}

func (p *PendingRequests) indexLocked(id string) int {
	for i, item := range p.items {
		if item.ID == id {
			return i
		}
	}
	return -1
}

// restore puts req back at index, or at the end when the list has shrunk
// since. A request re-delivered in the meantime is not duplicated.
func (p *PendingRequests) restore(req RideRequest, index int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.indexLocked(req.ID) >= 0 {
		return
	}
	if index > len(p.items) {
		index = len(p.items)
	}
	p.items = append(p.items, RideRequest{})
	copy(p.items[index+1:], p.items[index:])
	p.items[index] = req
}

// Tentative is a removal awaiting the dispatch side's answer.
type Tentative struct {
	list  *PendingRequests
	req   RideRequest
	index int

	once sync.Once
}

// Request is the request that was taken.
func (t *Tentative) Request() RideRequest {
	return t.req
}

// Confirm makes the removal final.
func (t *Tentative) Confirm() {
	t.once.Do(func() {})
}

// Revert re-inserts the request where it was. Only the first Confirm or
// Revert has any effect.
func (t *Tentative) Revert() bool {
	reverted := false
	t.once.Do(func() {
		t.list.restore(t.req, t.index)
		reverted = true
	})
	return reverted
}
