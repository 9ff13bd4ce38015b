package voice

import "sync"

// SSRCAllocator hands out SSRC triples (audio, video, rtx) that are unique within a room
type SSRCAllocator struct {
	mu   sync.Mutex
	next map[string]uint32 // room key -> next free ssrc
}

// NewSSRCAllocator creates an empty allocator
func NewSSRCAllocator() *SSRCAllocator {
	return &SSRCAllocator{next: make(map[string]uint32)}
}

// Allocate reserves three consecutive SSRCs in the room
func (a *SSRCAllocator) Allocate(roomKey string) SSRCs {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := a.next[roomKey]
	if n == 0 {
		n = 1
	}
	a.next[roomKey] = n + 3
	return SSRCs{Audio: n, Video: n + 1, RTX: n + 2}
}

// Release forgets an empty room
func (a *SSRCAllocator) Release(roomKey string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.next, roomKey)
}
