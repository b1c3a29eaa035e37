// Copyright 2015 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package rpc

import (
	"bufio"
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"
	"golang.org/x/sync/semaphore"

	"github.com/zlomekfs/zfsd/internal/logger"
	"github.com/zlomekfs/zfsd/internal/zfserr"
)

// MaxInFlightRequests bounds how many outstanding Call invocations one
// Connection will have awaiting a reply at once; further calls block in
// Acquire until a slot frees up. Keeps one runaway caller from queuing
// an unbounded number of pending-table entries against a single peer.
const MaxInFlightRequests = 64

// State is a connection's position in the state machine of spec §4.6:
// UNUSED -> CONNECTING -> CONNECTED(auth=NONE) -> CONNECTED(auth=
// STAGE1) -> CONNECTED(auth=STAGE2=ESTABLISHED) -> CLOSING -> UNUSED.
type State int

const (
	Unused State = iota
	Connecting
	ConnectedAuthNone
	ConnectedAuthStage1
	ConnectedEstablished
	Closing
)

// Handshake carries the two-stage auth exchange's payload: node names
// and a link-speed hint (spec §4.6), plus the reconnect-fencing epoch
// of SPEC_FULL.md §D(a).
type Handshake struct {
	LocalNodeName  string
	RemoteNodeName string
	LinkSpeedHint  uint32
	BootEpoch      uint64
}

// callResult is what a pending request's reply channel carries: either
// a reply frame, or a connection-level error if the fd failed before a
// reply arrived.
type callResult struct {
	frame Frame
	err   error
}

// pending is one in-flight request awaiting a reply.
type pending struct {
	reply    chan callResult
	deadline time.Time
}

// Connection is one node-to-node fd: framed I/O, the state machine, and
// the pending-request table used to match replies back to callers
// (spec §4.6: "A pending-request table maps request_id -> (thread,
// deadline)"). Grounded on jacobsa-fuse's Connection.cancelFuncs
// pattern: a mutex-guarded map keyed by request id, generalized from
// cancel funcs to reply channels since this is a client/server peer
// protocol rather than a single kernel channel.
type Connection struct {
	// ID identifies this Connection instance across its lifetime for
	// --debug_rpc trace correlation; it carries no wire meaning and is
	// never sent to the peer. A fresh uuid per instance, rather than the
	// reused (node, fd) pair, lets a log reader tell two successive
	// connections to the same node apart even though both get the same
	// fd-generation counter sequence from the node's point of view.
	ID uuid.UUID

	mu    sync.Mutex
	conn  net.Conn
	r     *bufio.Reader
	state State

	generation uint32 // bumped on every close (spec §4.6)
	nextReqID  uint32 // monotonic, atomic

	pendingMu sync.Mutex
	pendingTb map[uint32]*pending

	// sem bounds concurrent in-flight Call()s (spec §4.6's pending-
	// request table is otherwise unbounded in size).
	sem *semaphore.Weighted

	backoff *backoff.Backoff

	dispatch func(Frame, *Connection) // invoked for inbound REQUEST frames
}

// NewConnection wraps conn, ready to start its I/O loop via Run.
func NewConnection(conn net.Conn, dispatch func(Frame, *Connection)) *Connection {
	return &Connection{
		ID:        uuid.New(),
		conn:      conn,
		r:         bufio.NewReader(conn),
		state:     Connecting,
		pendingTb: make(map[uint32]*pending),
		sem:       semaphore.NewWeighted(MaxInFlightRequests),
		backoff:   &backoff.Backoff{Min: 100 * time.Millisecond, Max: 30 * time.Second, Factor: 2, Jitter: true},
		dispatch:  dispatch,
	}
}

// State returns the connection's current state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Generation returns the current connection generation (spec §4.6);
// replies tagged with a stale generation are discarded by the caller.
func (c *Connection) Generation() uint32 {
	return atomic.LoadUint32(&c.generation)
}

// Send writes f to the wire.
func (c *Connection) Send(f Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return WriteFrame(c.conn, f)
}

// Call sends a request frame and blocks until its reply arrives, ctx is
// done, or the connection is closed (spec §4.6's pending-request
// table). req.RequestID is assigned here.
func (c *Connection) Call(ctx context.Context, fnNumber uint32, payload []byte) (Frame, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return Frame{}, zfserr.New("rpc.Call", zfserr.RequestTimeout)
	}
	defer c.sem.Release(1)

	reqID := atomic.AddUint32(&c.nextReqID, 1)

	p := &pending{reply: make(chan callResult, 1)}
	if deadline, ok := ctx.Deadline(); ok {
		p.deadline = deadline
	}

	c.pendingMu.Lock()
	c.pendingTb[reqID] = p
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pendingTb, reqID)
		c.pendingMu.Unlock()
	}()

	logger.Tracef("rpc[%s]: -> request id=%d fn=%d", c.ID, reqID, fnNumber)

	if err := c.Send(Frame{Direction: DirRequest, RequestID: reqID, FnNumber: fnNumber, Payload: payload}); err != nil {
		return Frame{}, zfserr.Wrap("rpc.Call", zfserr.ConnectionClosed, err)
	}

	select {
	case res := <-p.reply:
		logger.Tracef("rpc[%s]: <- reply id=%d err=%v", c.ID, reqID, res.err)
		return res.frame, res.err
	case <-ctx.Done():
		return Frame{}, zfserr.New("rpc.Call", zfserr.RequestTimeout)
	}
}

// Run drives the connection's single I/O thread: it reads frames until
// error, routing replies to their waiter and requests to dispatch
// (spec §4.6: "The single I/O thread per connection dispatches complete
// frames; replies wake the waiting thread... requests are enqueued on
// the target thread pool").
func (c *Connection) Run() error {
	c.setState(ConnectedAuthNone)
	for {
		f, err := ReadFrame(c.r)
		if err != nil {
			c.failAllPending(zfserr.ConnectionClosed)
			c.Close()
			return err
		}

		switch f.Direction {
		case DirReply:
			c.pendingMu.Lock()
			p, ok := c.pendingTb[f.RequestID]
			c.pendingMu.Unlock()
			if ok {
				p.reply <- callResult{frame: f}
			}
		case DirRequest, DirOneway:
			if c.dispatch != nil {
				c.dispatch(f, c)
			}
		default:
			c.failAllPending(zfserr.InvalidRequest)
			c.Close()
			return zfserr.New("rpc.Run", zfserr.InvalidRequest)
		}
	}
}

func (c *Connection) failAllPending(code zfserr.Code) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, p := range c.pendingTb {
		p.reply <- callResult{err: zfserr.New("rpc.Run", code)}
		delete(c.pendingTb, id)
	}
}

// Close transitions the connection to UNUSED, bumping its generation so
// any reply still arriving for the old one is recognized as stale
// (spec §4.6).
func (c *Connection) Close() error {
	c.setState(Closing)
	err := c.conn.Close()
	atomic.AddUint32(&c.generation, 1)
	c.setState(Unused)
	return err
}

// NextBackoff returns how long to wait before the next reconnect
// attempt, per spec §4.6's "re-tried no more than once per configurable
// back-off window".
func (c *Connection) NextBackoff() time.Duration {
	return c.backoff.Duration()
}

// ResetBackoff clears the back-off state after a successful connect.
func (c *Connection) ResetBackoff() {
	c.backoff.Reset()
}
