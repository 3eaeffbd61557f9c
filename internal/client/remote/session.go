package remote

import (
	"context"
	"sync"

	"github.com/dmitrijs2005/msgvault/internal/common"
)

// Connector opens a fresh Channel.
type Connector func(ctx context.Context) (Channel, error)

// Session holds the current Channel. The lock is only taken to read or swap
// the handle, never across a remote call.
type Session struct {
	mu      sync.Mutex
	ch      Channel
	connect Connector
}

// NewSession returns a session. Either argument may be nil: a session with a
// connector and no channel connects on Refresh.
func NewSession(ch Channel, connect Connector) *Session {
	return &Session{ch: ch, connect: connect}
}

// Acquire returns the current channel.
func (s *Session) Acquire() (Channel, error) {
	s.mu.Lock()
	ch := s.ch
	s.mu.Unlock()

	if ch == nil {
		return nil, common.ErrRemoteUnauthenticated
	}
	return ch, nil
}

// Set replaces the channel. A nil channel logs the session out.
func (s *Session) Set(ch Channel) {
	s.mu.Lock()
	s.ch = ch
	s.mu.Unlock()
}

// Ping probes the current channel.
func (s *Session) Ping(ctx context.Context) error {
	ch, err := s.Acquire()
	if err != nil {
		return err
	}
	return ch.Ping(ctx)
}

// Refresh reconnects through the connector, if there is one, and swaps in
// the new channel.
func (s *Session) Refresh(ctx context.Context) error {
	if s.connect == nil {
		return nil
	}

	ch, err := s.connect(ctx)
	if err != nil {
		return err
	}
	s.Set(ch)
	return nil
}
