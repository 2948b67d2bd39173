// Package mock provides test doubles for the avatar package interfaces.
//
// Provider hands out Connection values that record every speak request and
// can be told to fail or cancel. Call Connection.Drop to simulate the
// provider closing the transport on its own.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/avatarcast/pkg/provider/avatar"
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	Ctx context.Context
	Cfg avatar.ConnectConfig
}

// Provider is a mock implementation of avatar.Provider.
type Provider struct {
	mu sync.Mutex

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// RemoteDescription is returned by the negotiation request of every
	// connection this provider creates.
	RemoteDescription string

	// NegotiateErr, if non-nil, is returned by the first SpeakText call of
	// every new connection.
	NegotiateErr error

	// OnNegotiate, if set, runs inside the negotiation request before it
	// returns. Tests use it to interleave a concurrent disconnect.
	OnNegotiate func(*Connection)

	// ConnectCalls records every call to Connect.
	ConnectCalls []ConnectCall

	// Conns holds every Connection handed out, in order.
	Conns []*Connection
}

// Connect records the call and returns a new Connection.
func (p *Provider) Connect(ctx context.Context, cfg avatar.ConnectConfig) (avatar.Connection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	c := &Connection{
		observer:     cfg.Observer,
		remote:       p.RemoteDescription,
		negotiateErr: p.NegotiateErr,
		onNegotiate:  p.OnNegotiate,
	}
	p.Conns = append(p.Conns, c)
	if c.observer != nil {
		c.observer.OnConnected(c)
	}
	return c, nil
}

// Calls returns a copy of the recorded Connect calls. Thread-safe.
func (p *Provider) Calls() []ConnectCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ConnectCall(nil), p.ConnectCalls...)
}

// Last returns the most recently created Connection, or nil.
func (p *Provider) Last() *Connection {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Conns) == 0 {
		return nil
	}
	return p.Conns[len(p.Conns)-1]
}

var _ avatar.Provider = (*Provider)(nil)

// Connection is a mock implementation of avatar.Connection.
type Connection struct {
	mu sync.Mutex

	observer     avatar.Observer
	remote       string
	negotiateErr error
	onNegotiate  func(*Connection)
	negotiated   bool
	closed       bool
	notified     bool

	// SpeakErr, if non-nil, is returned by every SpeakSSML call.
	SpeakErr error

	// SpeakTextCalls and SpeakSSMLCalls record the request payloads in order.
	SpeakTextCalls []string
	SpeakSSMLCalls []string

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// SpeakText records the call. The first call completes negotiation.
func (c *Connection) SpeakText(_ context.Context, text string) (avatar.Result, error) {
	c.mu.Lock()
	c.SpeakTextCalls = append(c.SpeakTextCalls, text)
	first := !c.negotiated
	c.negotiated = true
	hook := c.onNegotiate
	c.mu.Unlock()

	if !first {
		return avatar.Result{}, nil
	}
	if hook != nil {
		hook(c)
	}
	if c.negotiateErr != nil {
		return avatar.Result{}, c.negotiateErr
	}
	return avatar.Result{RemoteDescription: c.remote}, nil
}

// SpeakSSML records the call and returns SpeakErr.
func (c *Connection) SpeakSSML(_ context.Context, ssml string) (avatar.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.SpeakSSMLCalls = append(c.SpeakSSMLCalls, ssml)
	return avatar.Result{}, c.SpeakErr
}

// SetSpeakErr sets SpeakErr. Thread-safe.
func (c *Connection) SetSpeakErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.SpeakErr = err
}

// SSMLCalls returns a copy of the recorded SpeakSSML payloads.
func (c *Connection) SSMLCalls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.SpeakSSMLCalls...)
}

// Close records the call and notifies the observer once.
func (c *Connection) Close() error {
	c.mu.Lock()
	c.CloseCallCount++
	c.closed = true
	c.mu.Unlock()
	c.notifyDisconnected(nil)
	return nil
}

// Closed reports whether Close has been called.
func (c *Connection) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Drop simulates the provider closing the transport unprompted.
func (c *Connection) Drop(err error) {
	c.notifyDisconnected(err)
}

func (c *Connection) notifyDisconnected(err error) {
	c.mu.Lock()
	if c.notified {
		c.mu.Unlock()
		return
	}
	c.notified = true
	obs := c.observer
	c.mu.Unlock()
	if obs != nil {
		obs.OnDisconnected(c, err)
	}
}

var _ avatar.Connection = (*Connection)(nil)
