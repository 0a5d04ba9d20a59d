package client

import (
	"context"
	"fmt"
	"sync"

	"github.com/dreamware/taskexec/internal/dag"
	"github.com/dreamware/taskexec/internal/transport"
)

// Callbacks are invoked synchronously, in arrival order, as events
// arrive for a running DAG (spec §4.G, "Callbacks").
type Callbacks struct {
	OnStarted     func(dag.Event)
	OnDone        func(dag.Event)
	OnSkipped     func(dag.Event)
	OnGroupCached func(dag.Event)
}

func (cb Callbacks) dispatch(ev dag.Event) {
	switch ev.Kind {
	case dag.EventStarted:
		if cb.OnStarted != nil {
			cb.OnStarted(ev)
		}
	case dag.EventDone:
		if cb.OnDone != nil {
			cb.OnDone(ev)
		}
	case dag.EventSkipped:
		if cb.OnSkipped != nil {
			cb.OnSkipped(ev)
		}
	case dag.EventGroupCached:
		if cb.OnGroupCached != nil {
			cb.OnGroupCached(ev)
		}
	}
}

// terminal reports whether ev represents one of an execution's terminal
// states (spec §4.H's state machine: Done, Skipped, or the
// cache-synthesized equivalent of Done).
func terminal(ev dag.Event) bool {
	switch ev.Kind {
	case dag.EventDone, dag.EventSkipped, dag.EventGroupCached:
		return true
	default:
		return false
	}
}

// pendingFetch tracks the one in-flight FetchFile call, if any. The
// wire protocol carries no correlation id on TagDone (spec §4.F), so
// only one fetch may be outstanding on a connection at a time.
type pendingFetch struct {
	buf  []byte
	done chan fetchResult
}

type fetchResult struct {
	data []byte
	err  error
}

// submission tracks the one DAG a connection may submit (spec §4.F: a
// client channel carries exactly one SubmitDAG).
type submission struct {
	remaining int
	cb        Callbacks
	done      chan error
}

// Client is one connection to an executor's client channel. Its Recv
// loop runs for the connection's whole lifetime, started lazily by the
// first call that needs it, so FetchFile works both during and after a
// Submit.
type Client struct {
	conn transport.Conn

	startOnce sync.Once
	loopErr   chan error // receives the loop's terminal error, if any

	mu    sync.Mutex
	sub   *submission
	fetch *pendingFetch
}

// Dial connects to an executor's client address and completes the
// transport handshake.
func Dial(ctx context.Context, addr string) (*Client, error) {
	conn, err := transport.Dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	c := &Client{conn: conn, loopErr: make(chan error, 1)}
	return c, nil
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) start() {
	c.startOnce.Do(func() {
		go c.recvLoop()
	})
}

// recvLoop is the connection's single reader, for its entire lifetime
// (spec §5, "one thread reads the channel").
func (c *Client) recvLoop() {
	for {
		env, err := c.conn.Recv()
		if err != nil {
			c.failOutstanding(fmt.Errorf("client: recv: %w", err))
			c.loopErr <- err
			return
		}
		switch env.Tag {
		case transport.TagProgressEvent:
			c.handleProgressEvent(env)
		case transport.TagError:
			c.handleSubmitError(env)
		case transport.TagFileChunk:
			c.handleFileChunk(env)
		case transport.TagDone:
			c.handleFetchDone(env)
		default:
			// Ignore anything else; a future schema addition should not
			// break an older client.
		}
	}
}

func (c *Client) failOutstanding(err error) {
	c.mu.Lock()
	sub, fetch := c.sub, c.fetch
	c.sub, c.fetch = nil, nil
	c.mu.Unlock()
	if sub != nil {
		sub.done <- err
	}
	if fetch != nil {
		fetch.done <- fetchResult{err: err}
	}
}

func (c *Client) handleProgressEvent(env transport.Envelope) {
	var p transport.ProgressEventPayload
	if err := transport.Decode(env, &p); err != nil {
		return
	}
	c.mu.Lock()
	sub := c.sub
	c.mu.Unlock()
	if sub == nil {
		return
	}
	sub.cb.dispatch(p.Event)
	if terminal(p.Event) {
		sub.remaining--
		if sub.remaining <= 0 {
			c.mu.Lock()
			c.sub = nil
			c.mu.Unlock()
			sub.done <- nil
		}
	}
}

func (c *Client) handleSubmitError(env transport.Envelope) {
	var p transport.ErrorPayload
	transport.Decode(env, &p)

	c.mu.Lock()
	sub := c.sub
	c.sub = nil
	c.mu.Unlock()
	if sub != nil {
		sub.done <- fmt.Errorf("client: executor rejected submission: %s", p.Message)
	}
}

func (c *Client) handleFileChunk(env transport.Envelope) {
	var p transport.FileChunkPayload
	if err := transport.Decode(env, &p); err != nil {
		return
	}
	c.mu.Lock()
	f := c.fetch
	c.mu.Unlock()
	if f == nil {
		return
	}
	f.buf = append(f.buf, p.Chunk...)
}

func (c *Client) handleFetchDone(env transport.Envelope) {
	var p transport.DonePayload
	transport.Decode(env, &p)

	c.mu.Lock()
	f := c.fetch
	c.fetch = nil
	c.mu.Unlock()
	if f == nil {
		return
	}
	if p.Error != "" {
		f.done <- fetchResult{err: fmt.Errorf("client: fetch file: %s", p.Error)}
		return
	}
	f.done <- fetchResult{data: f.buf}
}

// Submit sends d for evaluation and blocks until every execution in it
// has reached a terminal state, dispatching cb along the way, or until
// ctx is done (spec §4.G). A connection may only ever Submit once.
func (c *Client) Submit(ctx context.Context, d *dag.DAG, cb Callbacks) error {
	c.start()

	sub := &submission{remaining: d.NumExecutions(), cb: cb, done: make(chan error, 1)}
	c.mu.Lock()
	if c.sub != nil {
		c.mu.Unlock()
		return fmt.Errorf("client: a submission is already in flight on this connection")
	}
	c.sub = sub
	c.mu.Unlock()

	env, err := transport.Encode(transport.TagSubmitDAG, transport.SubmitDAGPayload{DAG: d})
	if err != nil {
		return fmt.Errorf("client: encode submit: %w", err)
	}
	if err := c.conn.Send(env); err != nil {
		return fmt.Errorf("client: send submit: %w", err)
	}

	if sub.remaining == 0 {
		return nil
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-sub.done:
		return err
	}
}

// FetchFile requests the content of the store key hexKey, capping the
// response at maxBytes (0 means unlimited), and blocks until it
// arrives. It may be called concurrently with, or any time after, a
// Submit on the same connection, but never from inside a Callbacks
// handler (see package doc).
func (c *Client) FetchFile(ctx context.Context, hexKey string, maxBytes int64) ([]byte, error) {
	c.start()

	f := &pendingFetch{done: make(chan fetchResult, 1)}
	c.mu.Lock()
	if c.fetch != nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("client: a fetch is already in flight on this connection")
	}
	c.fetch = f
	c.mu.Unlock()

	env, err := transport.Encode(transport.TagRequestFileContents, transport.RequestFileContentsPayload{
		Key:      hexKey,
		MaxBytes: maxBytes,
	})
	if err != nil {
		return nil, err
	}
	if err := c.conn.Send(env); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-f.done:
		return res.data, res.err
	}
}

// Cancel asks the executor to skip every not-yet-dispatched group and
// terminate any in-flight ones for this connection's submission (spec
// §5, "Cancellation").
func (c *Client) Cancel() error {
	env, err := transport.Encode(transport.TagCancel, struct{}{})
	if err != nil {
		return err
	}
	return c.conn.Send(env)
}
