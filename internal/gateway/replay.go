package gateway

// entry is one dispatch in the replay log. frame stays nil until the payload is resolved;
// skip marks payloads that resolved to nothing.
type entry struct {
	seq       int64
	eventType string
	frame     []byte
	resolved  bool
	skip      bool
}

// replayBuffer is a bounded FIFO of dispatched entries; the oldest is evicted on overflow
type replayBuffer struct {
	entries []*entry
	start   int
	size    int
}

func newReplayBuffer(capacity int) *replayBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &replayBuffer{entries: make([]*entry, capacity)}
}

func (b *replayBuffer) push(e *entry) {
	if b.size < len(b.entries) {
		b.entries[(b.start+b.size)%len(b.entries)] = e
		b.size++
		return
	}
	b.entries[b.start] = e
	b.start = (b.start + 1) % len(b.entries)
}

func (b *replayBuffer) at(i int) *entry {
	return b.entries[(b.start+i)%len(b.entries)]
}

// contains reports whether the entry with seq is still buffered. An evicted seq cannot be
// resumed from even when every later entry survives.
func (b *replayBuffer) contains(seq int64) bool {
	if b.size == 0 {
		return false
	}
	first := b.at(0).seq
	last := b.at(b.size - 1).seq
	return seq >= first && seq <= last
}

// after returns buffered entries with seq greater than the given one, oldest first
func (b *replayBuffer) after(seq int64) []*entry {
	var out []*entry
	for i := 0; i < b.size; i++ {
		if e := b.at(i); e.seq > seq {
			out = append(out, e)
		}
	}
	return out
}

func (b *replayBuffer) len() int {
	return b.size
}
