// Package transporttest provides an in-memory messaging provider that
// enforces single-consumer polling the way the Bot API does: a new poll
// from another client terminates the one in flight with a conflict.
package transporttest

import (
	"context"
	"errors"
	"sync"
	"time"

	"pkt.systems/chargeq/internal/transport"
)

// Sent is a message delivered through Send.
type Sent struct {
	From   string
	ChatID int64
	Text   string
}

// Provider is the shared fake backend. Create one Client per simulated
// instance.
type Provider struct {
	mu        sync.Mutex
	active    *poll
	updates   []transport.Update
	nextID    int
	notify    chan struct{}
	sent      []Sent
	webhook   string
	conflicts int
	pollers   []string
}

type poll struct {
	owner string
	kick  chan struct{}
}

// NewProvider returns an empty provider.
func NewProvider() *Provider {
	return &Provider{nextID: 1, notify: make(chan struct{})}
}

// Client returns a transport bound to name.
func (p *Provider) Client(name string) *Client {
	return &Client{p: p, name: name, fail: make(map[string][]error)}
}

// Push queues an inbound text message.
func (p *Provider) Push(chatID int64, text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updates = append(p.updates, transport.Update{ID: p.nextID, ChatID: chatID, Text: text, Date: time.Now().UTC()})
	p.nextID++
	close(p.notify)
	p.notify = make(chan struct{})
}

// SetWebhook makes Probe report a conflict while url is non-empty.
func (p *Provider) SetWebhook(url string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.webhook = url
}

// Sent returns every delivered message.
func (p *Provider) Sent() []Sent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Sent(nil), p.sent...)
}

// Conflicts counts polls terminated by another client.
func (p *Provider) Conflicts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conflicts
}

// ActivePoller returns the client with a poll in flight, if any.
func (p *Provider) ActivePoller() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active == nil {
		return ""
	}
	return p.active.owner
}

// Pollers returns the sequence of distinct clients that started polling,
// collapsing consecutive repeats.
func (p *Provider) Pollers() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.pollers...)
}

// Client is one instance's view of the provider.
type Client struct {
	p    *Provider
	name string

	mu    sync.Mutex
	fail  map[string][]error
	calls map[string]int
}

var _ transport.Transport = (*Client)(nil)

// Op names accepted by FailNext and Calls.
const (
	OpIdentity = "identity"
	OpProbe    = "probe"
	OpPoll     = "poll"
	OpSend     = "send"
)

// FailNext queues errors returned by the next calls of op, one per call.
func (c *Client) FailNext(op string, errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fail[op] = append(c.fail[op], errs...)
}

// Calls returns how many times op was invoked.
func (c *Client) Calls(op string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[op]
}

func (c *Client) enter(op string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.calls == nil {
		c.calls = make(map[string]int)
	}
	c.calls[op]++
	queue := c.fail[op]
	if len(queue) == 0 {
		return nil
	}
	err := queue[0]
	c.fail[op] = queue[1:]
	return err
}

// Conflict returns the error the provider reports for a kicked poll.
func Conflict(op string) error {
	return transport.NewError(transport.ClassConflict, op, errors.New("terminated by other getUpdates request"))
}

// Network returns a network-class error.
func Network(op string) error {
	return transport.NewError(transport.ClassNetwork, op, errors.New("connection reset by peer"))
}

// Fatal returns a fatal-class error.
func Fatal(op string) error {
	return transport.NewError(transport.ClassFatal, op, errors.New("unexpected response"))
}

func (c *Client) Identity(ctx context.Context) (transport.Identity, error) {
	if err := c.enter(OpIdentity); err != nil {
		return transport.Identity{}, err
	}
	return transport.Identity{ID: 1, Username: "fakebot", Name: "Fake"}, nil
}

func (c *Client) Probe(ctx context.Context) error {
	if err := c.enter(OpProbe); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return transport.NewError(transport.ClassNetwork, OpProbe, err)
	}
	c.p.mu.Lock()
	defer c.p.mu.Unlock()
	if c.p.webhook != "" {
		return transport.NewError(transport.ClassConflict, OpProbe, errors.New("webhook active"))
	}
	return nil
}

func (c *Client) Poll(ctx context.Context, offset int, timeout time.Duration) ([]transport.Update, error) {
	if err := c.enter(OpPoll); err != nil {
		return nil, err
	}
	p := c.p
	p.mu.Lock()
	if p.active != nil && p.active.owner != c.name {
		close(p.active.kick)
		p.conflicts++
	}
	mine := &poll{owner: c.name, kick: make(chan struct{})}
	p.active = mine
	if n := len(p.pollers); n == 0 || p.pollers[n-1] != c.name {
		p.pollers = append(p.pollers, c.name)
	}
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		if p.active == mine {
			p.active = nil
		}
		p.mu.Unlock()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		p.mu.Lock()
		var out []transport.Update
		for _, u := range p.updates {
			if u.ID >= offset {
				out = append(out, u)
			}
		}
		notify := p.notify
		p.mu.Unlock()
		if len(out) > 0 {
			return out, nil
		}
		select {
		case <-ctx.Done():
			return nil, transport.NewError(transport.ClassNetwork, OpPoll, ctx.Err())
		case <-mine.kick:
			return nil, Conflict(OpPoll)
		case <-timer.C:
			return nil, nil
		case <-notify:
		}
	}
}

func (c *Client) Send(ctx context.Context, chatID int64, text string) error {
	if err := c.enter(OpSend); err != nil {
		return err
	}
	c.p.mu.Lock()
	defer c.p.mu.Unlock()
	c.p.sent = append(c.p.sent, Sent{From: c.name, ChatID: chatID, Text: text})
	return nil
}
