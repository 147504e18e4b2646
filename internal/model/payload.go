package model

import (
	"errors"
	"sync"
)

// ErrDetached is returned when a payload's bytes are taken after ownership
// has already been transferred.
var ErrDetached = errors.New("payload buffer has been detached")

// Payload owns a document's input bytes. Ownership can be transferred to a
// worker exactly once; after Detach the original holder observes a
// zero-length, unusable buffer. Callers that need the bytes after a transfer
// must Clone first.
type Payload struct {
	mu       sync.Mutex
	data     []byte
	detached bool
}

// NewPayload wraps b in an owned payload. The caller must not reuse b directly.
func NewPayload(b []byte) *Payload {
	return &Payload{data: b}
}

// Bytes returns the underlying buffer for read access, or nil if ownership
// has been transferred away.
func (p *Payload) Bytes() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.detached {
		return nil
	}
	return p.data
}

// Len returns the buffer length, or 0 after detachment.
func (p *Payload) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.detached {
		return 0
	}
	return len(p.data)
}

// Detach transfers ownership of the buffer to the caller and invalidates this
// payload. A second Detach, or a Detach after the buffer was already
// transferred, returns ErrDetached.
func (p *Payload) Detach() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.detached {
		return nil, ErrDetached
	}
	b := p.data
	p.data = nil
	p.detached = true
	return b, nil
}

// Detached reports whether ownership of the buffer has been transferred.
func (p *Payload) Detached() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.detached
}

// Clone returns an independent copy of the payload. Cloning a detached
// payload returns an empty one.
func (p *Payload) Clone() *Payload {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.detached {
		return &Payload{}
	}
	cp := make([]byte, len(p.data))
	copy(cp, p.data)
	return &Payload{data: cp}
}
