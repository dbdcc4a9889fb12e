package txflow

import (
	"context"
	"sync"

	"lendingdash/chain"
)

// Preparer validates and simulates requests.
type Preparer interface {
	Prepare(ctx context.Context, req chain.TransactionRequest) (*PreparedCall, error)
}

// Slot holds a component's current prepared call. A successful preparation
// is reused until the request fingerprint changes; a failed one is retried
// on the next Update. Every Update and Invalidate starts a new generation,
// and a preparation that finishes after its generation was superseded is
// dropped.
type Slot struct {
	preparer Preparer

	mu          sync.Mutex
	gen         uint64
	fingerprint string
	call        *PreparedCall
	err         error
}

// NewSlot constructs an empty slot.
func NewSlot(p Preparer) *Slot {
	return &Slot{preparer: p, err: ErrNotPrepared}
}

// Update prepares req unless the slot already holds a successful
// preparation of the same inputs.
func (s *Slot) Update(ctx context.Context, req chain.TransactionRequest) (*PreparedCall, error) {
	fp := req.Fingerprint()
	s.mu.Lock()
	if fp == s.fingerprint && s.call != nil && s.err == nil {
		call := s.call
		s.mu.Unlock()
		return call, nil
	}
	s.gen++
	gen := s.gen
	s.fingerprint = fp
	s.call, s.err = nil, ErrNotPrepared
	s.mu.Unlock()

	call, err := s.preparer.Prepare(ctx, req)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return nil, ErrStalePreparation
	}
	s.call, s.err = call, err
	return call, err
}

// Invalidate clears the slot because the inputs cannot form a request.
// Preparations still running are discarded when they finish.
func (s *Slot) Invalidate(reason error) {
	if reason == nil {
		reason = ErrNotPrepared
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	s.fingerprint = ""
	s.call = nil
	s.err = reason
}

// Current returns the held call and the error of the last preparation.
func (s *Slot) Current() (*PreparedCall, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.call, s.err
}

// CurrentFor returns the held call only if it was prepared from req.
func (s *Slot) CurrentFor(req chain.TransactionRequest) (*PreparedCall, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.call == nil || s.err != nil {
		if s.err == nil {
			return nil, ErrNotPrepared
		}
		return nil, s.err
	}
	if s.call.Fingerprint != req.Fingerprint() {
		return nil, ErrStalePreparation
	}
	return s.call, nil
}

// Ready reports whether the slot holds a successfully prepared call.
func (s *Slot) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.call != nil && s.err == nil
}
