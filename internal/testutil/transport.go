package testutil

import (
	"encoding/json"
	"errors"
	"sync"
)

// Frame is a decoded server frame
type Frame struct {
	Op int             `json:"op"`
	T  string          `json:"t"`
	S  int64           `json:"s"`
	D  json.RawMessage `json:"d"`
}

// FakeTransport records frames written to a client connection
type FakeTransport struct {
	mu          sync.Mutex
	frames      [][]byte
	closed      bool
	closeCode   int
	closeReason string
}

// NewFakeTransport creates an open fake transport
func NewFakeTransport() *FakeTransport {
	return &FakeTransport{}
}

// Send records a frame; it fails once the transport is closed
func (f *FakeTransport) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return errors.New("transport closed")
	}
	f.frames = append(f.frames, append([]byte(nil), data...))
	return nil
}

// Close records the first close code
func (f *FakeTransport) Close(code int, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil
	}
	f.closed = true
	f.closeCode = code
	f.closeReason = reason
	return nil
}

// Closed reports whether Close was called and with which code
func (f *FakeTransport) Closed() (bool, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed, f.closeCode
}

// Frames decodes every recorded frame
func (f *FakeTransport) Frames() []Frame {
	f.mu.Lock()
	raw := make([][]byte, len(f.frames))
	copy(raw, f.frames)
	f.mu.Unlock()

	out := make([]Frame, 0, len(raw))
	for _, data := range raw {
		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			panic("fake transport recorded invalid json: " + err.Error())
		}
		out = append(out, frame)
	}
	return out
}

// Dispatches returns the recorded dispatch frames (op 0)
func (f *FakeTransport) Dispatches() []Frame {
	var out []Frame
	for _, frame := range f.Frames() {
		if frame.Op == 0 {
			out = append(out, frame)
		}
	}
	return out
}

// DispatchesOf returns the recorded dispatches of one event type
func (f *FakeTransport) DispatchesOf(eventType string) []Frame {
	var out []Frame
	for _, frame := range f.Dispatches() {
		if frame.T == eventType {
			out = append(out, frame)
		}
	}
	return out
}

// OpFrames returns the recorded frames with the given opcode
func (f *FakeTransport) OpFrames(op int) []Frame {
	var out []Frame
	for _, frame := range f.Frames() {
		if frame.Op == op {
			out = append(out, frame)
		}
	}
	return out
}

// Reset forgets recorded frames
func (f *FakeTransport) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = nil
}
