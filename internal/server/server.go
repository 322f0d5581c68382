// Package server implements the Connection Server: the Unix-domain-socket
// accept loop, per-connection handshake, and the per-version concurrency
// models (v1/v2a spawn-per-request, v2 strictly serial) driving the
// Execution Coordinator. Each connection runs a supervisor goroutine that
// races context cancellation against work completion, so a slow dispatch
// never blocks the accept loop from shutting the connection down.
package server

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/fastedge/corewasm/internal/coordinator"
	"github.com/fastedge/corewasm/internal/wire"
	"go.uber.org/zap"
)

// ListenUnix binds path as a Unix domain socket, unlinking any stale socket
// file first so a crashed previous run doesn't block the new listener.
func ListenUnix(path string) (net.Listener, error) {
	if err := os.RemoveAll(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("server: remove stale socket %q: %w", path, err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("server: listen %q: %w", path, err)
	}
	return ln, nil
}

// Server drives the accept loop and, per connection, the framed request
// stream.
type Server struct {
	Coordinator  *coordinator.Coordinator
	ReplyTimeout time.Duration
	BackoffMax   time.Duration

	// ChannelBound returns the outbound MPSC bound for a negotiated
	// version (configurable per version; v2's strictly-serial model needs
	// far less headroom than v1/v2a's spawn-per-request model).
	ChannelBound func(wire.Version) int

	Log *zap.Logger
}

// Serve runs the accept loop until ctx is cancelled or the listener errors
// fatally. Backoff on accept errors starts at 100ms, doubles to BackoffMax,
// and resets to 100ms on the next successful accept.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	const backoffFloor = 100 * time.Millisecond
	backoff := backoffFloor

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.Log.Warn("accept error", zap.Error(err), zap.Duration("backoff", backoff))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff *= 2
			if backoff > s.BackoffMax {
				backoff = s.BackoffMax
			}
			continue
		}
		backoff = backoffFloor
		go s.handleConn(ctx, conn)
	}
}

// reply is one HostFunction::Response delivered to a waiting caller.
type reply struct {
	status wire.ProxyStatus
	value  []byte
}

// correlator routes HostFunction::Response frames back to the goroutine
// that issued the matching request, keyed by RequestId. Within one
// RequestId, host calls and their responses are FIFO; across RequestIds on
// the same connection no ordering is promised, so a simple map keyed by
// the full (index, generation) pair suffices.
type correlator struct {
	mu      sync.Mutex
	waiters map[wire.RequestId]chan reply
}

func newCorrelator() *correlator {
	return &correlator{waiters: make(map[wire.RequestId]chan reply)}
}

func (c *correlator) register(id wire.RequestId) <-chan reply {
	ch := make(chan reply, 1)
	c.mu.Lock()
	c.waiters[id] = ch
	c.mu.Unlock()
	return ch
}

func (c *correlator) deliver(id wire.RequestId, status wire.ProxyStatus, value []byte) {
	c.mu.Lock()
	ch, ok := c.waiters[id]
	if ok {
		delete(c.waiters, id)
	}
	c.mu.Unlock()
	if ok {
		ch <- reply{status: status, value: value}
	}
}

// cancelAll delivers a channel-closed InternalFailure to every waiter still
// pending when the connection drops, so none of them blocks forever.
func (c *correlator) cancelAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.waiters {
		delete(c.waiters, id)
		ch <- reply{status: wire.StatusInternalFailure}
	}
}

func (c *correlator) forget(id wire.RequestId) {
	c.mu.Lock()
	delete(c.waiters, id)
	c.mu.Unlock()
}

// handleConn performs the handshake then dispatches every entrypoint frame
// according to the negotiated version's concurrency model.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	// Cancellation closes the connection, unblocking a handshake or frame
	// read in progress.
	connDone := make(chan struct{})
	defer close(connDone)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-connDone:
		}
	}()

	r := bufio.NewReader(conn)
	version, err := wire.ServerHandshake(r, conn)
	if err != nil {
		s.Log.Warn("handshake failed", zap.Error(err))
		return
	}

	bound := 1024
	if s.ChannelBound != nil {
		bound = s.ChannelBound(version)
	}

	writeCh := make(chan wire.Frame, bound)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for f := range writeCh {
			if err := wire.WriteFrame(conn, f); err != nil {
				s.Log.Warn("write frame failed", zap.Error(err), zap.String("version", version.String()))
				return
			}
		}
	}()

	corr := newCorrelator()

	serial := version == wire.V2
	var sem chan struct{}
	if !serial {
		sem = make(chan struct{}, bound)
	}

	// v1 is nginx's legacy framing: NginxRequest/WasmHostFunction/
	// WasmNextAction instead of v2/v2a's FilterEntrypoint/HostFunction/
	// FilterNextAction, with the Entrypoint nested as NginxRequest's opaque
	// payload. The dispatch semantics underneath are identical, so v1 is
	// handled by unwrapping to the same Entrypoint/HostFunction shapes and
	// replying on the v1-flavored tags.
	hostFunctionReplyTag, nextActionTag := wire.TagHostFunction, wire.TagFilterNextAction
	if version == wire.V1 {
		hostFunctionReplyTag, nextActionTag = wire.TagWasmHostFunction, wire.TagWasmNextAction
	}

	var wg sync.WaitGroup
	defer func() {
		corr.cancelAll()
		wg.Wait()
		close(writeCh)
		<-writerDone
	}()

	for {
		f, err := wire.ReadFrame(r)
		if err != nil {
			return
		}

		switch f.Tag {
		case wire.TagHostFunction, wire.TagWasmHostFunction:
			id, status, value, derr := wire.DecodeHostFunctionResponse(f.Payload)
			if derr != nil {
				s.Log.Warn("malformed host function reply", zap.Error(derr))
				continue
			}
			corr.deliver(id, status, value)

		case wire.TagFilterEntrypoint:
			id, ep, derr := wire.DecodeEntrypoint(f.Payload)
			if derr != nil {
				s.Log.Warn("malformed entrypoint frame", zap.Error(derr))
				continue
			}
			s.dispatchEntrypoint(ctx, serial, sem, &wg, id, ep, corr, writeCh, hostFunctionReplyTag, nextActionTag)

		case wire.TagNginxRequest:
			id, _, payload, derr := wire.DecodeNginxRequest(f.Payload)
			if derr != nil {
				s.Log.Warn("malformed nginx request frame", zap.Error(derr))
				continue
			}
			_, ep, derr := wire.DecodeEntrypoint(payload)
			if derr != nil {
				s.Log.Warn("malformed nginx request entrypoint payload", zap.Error(derr))
				continue
			}
			s.dispatchEntrypoint(ctx, serial, sem, &wg, id, ep, corr, writeCh, hostFunctionReplyTag, nextActionTag)

		case wire.TagHostError:
			s.Log.Warn("proxy reported a host error; closing connection", zap.String("version", version.String()))
			return

		default:
			s.Log.Debug("ignoring unexpected frame tag", zap.Uint8("tag", uint8(f.Tag)))
		}
	}
}

// dispatchEntrypoint runs one Entrypoint inline (v2's serial model) or
// spawned under the connection's concurrency semaphore (v1/v2a).
func (s *Server) dispatchEntrypoint(
	ctx context.Context,
	serial bool,
	sem chan struct{},
	wg *sync.WaitGroup,
	id wire.RequestId,
	ep wire.Entrypoint,
	corr *correlator,
	writeCh chan<- wire.Frame,
	hostFunctionReplyTag, nextActionTag wire.Tag,
) {
	dispatch := func() {
		s.serveOne(ctx, id, ep, corr, writeCh, hostFunctionReplyTag, nextActionTag)
	}
	if serial {
		dispatch()
		return
	}
	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer func() { <-sem }()
		dispatch()
	}()
}

// serveOne runs one Entrypoint through the coordinator, issuing host
// function round trips over writeCh/corr and replying with a NextAction
// frame.
func (s *Server) serveOne(
	ctx context.Context,
	id wire.RequestId,
	ep wire.Entrypoint,
	corr *correlator,
	writeCh chan<- wire.Frame,
	hostFunctionCallTag, nextActionTag wire.Tag,
) {
	appID := fmt.Sprintf("%d", ep.Application)

	var seq uint32
	rr := func(hf wire.HostFunction) (wire.ProxyStatus, []byte, error) {
		seq++
		callID := wire.RequestId{Index: id.Index, Generation: seq}
		hf.Kind = callID

		waiter := corr.register(callID)
		frame := wire.Frame{Tag: hostFunctionCallTag, Payload: wire.EncodeHostFunction(hf)}

		select {
		case writeCh <- frame:
		case <-ctx.Done():
			corr.forget(callID)
			return wire.StatusInternalFailure, nil, ctx.Err()
		}

		timer := time.NewTimer(s.replyTimeout())
		defer timer.Stop()

		select {
		case rep := <-waiter:
			return rep.status, rep.value, nil
		case <-timer.C:
			// Proxy-facing reply timeout: swallow to empty bytes, never an
			// error.
			corr.forget(callID)
			return wire.StatusOk, nil, nil
		case <-ctx.Done():
			corr.forget(callID)
			return wire.StatusInternalFailure, nil, ctx.Err()
		}
	}

	result, err := s.Coordinator.Dispatch(ctx, appID, ep.Handler, ep.AdditionalInfo, rr)
	if err != nil {
		s.Log.Error("coordinator dispatch error", zap.Error(err), zap.String("app_id", appID))
	}

	reply := wire.Frame{Tag: nextActionTag, Payload: wire.EncodeNextAction(id, result.Action)}
	select {
	case writeCh <- reply:
	case <-ctx.Done():
	}
}

func (s *Server) replyTimeout() time.Duration {
	if s.ReplyTimeout <= 0 {
		return 200 * time.Millisecond
	}
	return s.ReplyTimeout
}
