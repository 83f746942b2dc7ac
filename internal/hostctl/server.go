package hostctl

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/latticectl/internal/auth"
	"github.com/danmuck/latticectl/internal/lattice"
	"github.com/danmuck/latticectl/internal/observability"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"
)

const (
	idleTimeout  = 30 * time.Second
	writeTimeout = 5 * time.Second
)

// Server exposes a lattice backend on two TCP endpoints: a control endpoint for
// request/response actions and an events endpoint for subscriptions.
type Server struct {
	backend   lattice.Backend
	validator auth.Validator

	mu        sync.Mutex
	listeners []net.Listener
	conns     map[net.Conn]struct{}
	closed    bool

	wg     sync.WaitGroup
	active atomic.Int64
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithValidator checks the token on every request. The default accepts all.
func WithValidator(v auth.Validator) ServerOption {
	return func(s *Server) { s.validator = v }
}

func NewServer(backend lattice.Backend, opts ...ServerOption) *Server {
	s := &Server{
		backend:   backend,
		validator: auth.Open{},
		conns:     make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ListenAndServe binds both endpoints and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, ctlAddr, eventsAddr string) error {
	ctl, err := net.Listen("tcp", strings.TrimSpace(ctlAddr))
	if err != nil {
		return err
	}
	events, err := net.Listen("tcp", strings.TrimSpace(eventsAddr))
	if err != nil {
		return multierr.Append(err, ctl.Close())
	}
	return s.Serve(ctx, ctl, events)
}

// Serve accepts on ctl and events until ctx is cancelled or a listener fails,
// then closes every listener and connection.
func (s *Server) Serve(ctx context.Context, ctl, events net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return multierr.Combine(net.ErrClosed, ctl.Close(), events.Close())
	}
	s.listeners = append(s.listeners, ctl, events)
	s.mu.Unlock()
	log.Info().Msgf("hostctl.server listening ctl_addr=%q events_addr=%q", ctl.Addr().String(), events.Addr().String())

	errCh := make(chan error, 2)
	go func() { errCh <- s.acceptLoop(ctx, ctl, s.handleControlConn) }()
	go func() { errCh <- s.acceptLoop(ctx, events, s.handleEventsConn) }()

	var err error
	select {
	case <-ctx.Done():
	case err = <-errCh:
	}
	return multierr.Append(err, s.Close())
}

// Close stops the listeners, drops every connection, and waits for handlers.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.wg.Wait()
		return nil
	}
	s.closed = true
	var err error
	for _, ln := range s.listeners {
		err = multierr.Append(err, ignoreClosed(ln.Close()))
	}
	for conn := range s.conns {
		err = multierr.Append(err, ignoreClosed(conn.Close()))
	}
	s.mu.Unlock()

	s.wg.Wait()
	return err
}

// ActiveConnections reports connections currently being served.
func (s *Server) ActiveConnections() int {
	return int(s.active.Load())
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener, handle func(context.Context, net.Conn)) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || s.isClosed() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		if !s.track(conn) {
			_ = conn.Close()
			return nil
		}
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			handle(ctx, conn)
		}()
	}
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	active := s.active.Add(1)
	log.Debug().Msgf("hostctl.server client connected remote=%q active_clients=%d", conn.RemoteAddr().String(), active)
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	_ = conn.Close()
	remaining := s.active.Add(-1)
	log.Debug().Msgf("hostctl.server client disconnected remote=%q active_clients=%d", conn.RemoteAddr().String(), remaining)
}

// handleControlConn decodes one request per line and writes its response lines.
func (s *Server) handleControlConn(ctx context.Context, conn net.Conn) {
	reader := bufio.NewReader(conn)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(idleTimeout))
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err != io.EOF && !errors.Is(err, net.ErrClosed) {
				log.Warn().Msgf("hostctl.server read err=%v", err)
			}
			return
		}
		var req controlRequest
		if err := json.Unmarshal(line, &req); err != nil {
			if err := s.write(conn, controlResponse{OK: false, Error: err.Error()}); err != nil {
				return
			}
			continue
		}
		emit := func(resp controlResponse) error {
			resp.RequestID = req.RequestID
			return s.write(conn, resp)
		}
		ok, err := s.handleControlRequest(ctx, req, emit)
		observability.RecordControlRequest(req.Action, ok)
		if err != nil {
			log.Warn().Msgf("hostctl.server write action=%q err=%v", req.Action, err)
			return
		}
	}
}

// handleControlRequest runs one action, emitting one or more response lines.
// It reports whether the action succeeded and any write error.
func (s *Server) handleControlRequest(ctx context.Context, req controlRequest, emit func(controlResponse) error) (bool, error) {
	reply := func(data any, err error) (bool, error) {
		if err != nil {
			return false, emit(failure(req.RequestID, err))
		}
		return true, emit(controlResponse{OK: true, Data: data})
	}
	if err := s.validator.Validate(req.Token); err != nil {
		log.Warn().Msgf("hostctl.server rejected action=%q err=%v", req.Action, err)
		return reply(nil, err)
	}

	switch req.Action {
	case actionHosts:
		return reply(s.backend.Hosts(ctx))
	case actionAuctionProvider:
		bids, err := s.backend.ProviderAuction(ctx, req.Ref, req.LinkName, req.Constraints, millis(req.TimeoutMS))
		return s.streamBids(bids, err, emit)
	case actionAuctionActor:
		bids, err := s.backend.ActorAuction(ctx, req.Ref, req.Constraints, millis(req.TimeoutMS))
		return s.streamBids(bids, err, emit)
	case actionStartProvider:
		if req.Start == nil {
			return reply(nil, fmt.Errorf("start_provider: missing start command"))
		}
		return reply(s.backend.StartProvider(ctx, *req.Start))
	case actionScaleActor:
		if req.Scale == nil {
			return reply(nil, fmt.Errorf("scale_actor: missing scale command"))
		}
		return reply(s.backend.ScaleActor(ctx, *req.Scale))
	case actionPutLink:
		if req.Link == nil {
			return reply(nil, fmt.Errorf("put_link: missing link"))
		}
		return reply(nil, s.backend.PutLink(ctx, *req.Link))
	case actionDelLink:
		if req.LinkKey == nil {
			return reply(nil, fmt.Errorf("del_link: missing link_key"))
		}
		removed, err := s.backend.DeleteLink(ctx, *req.LinkKey)
		return reply(map[string]bool{"removed": removed}, err)
	case actionGetLinks:
		return reply(s.backend.Links(ctx))
	default:
		return reply(nil, fmt.Errorf("unknown action: %s", req.Action))
	}
}

func (s *Server) streamBids(bids []lattice.Bid, err error, emit func(controlResponse) error) (bool, error) {
	if err != nil {
		return false, emit(failure("", err))
	}
	for _, bid := range bids {
		if err := emit(controlResponse{OK: true, Kind: kindBid, Data: bid}); err != nil {
			return true, err
		}
	}
	return true, emit(controlResponse{OK: true, Kind: kindDone})
}

// handleEventsConn serves one subscription: a subscribe request, a subscribed
// ack once the backend subscription is live, then one event per line.
func (s *Server) handleEventsConn(ctx context.Context, conn net.Conn) {
	reader := bufio.NewReader(conn)
	_ = conn.SetReadDeadline(time.Now().Add(idleTimeout))
	line, err := reader.ReadBytes('\n')
	if err != nil {
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	var req controlRequest
	if err := json.Unmarshal(line, &req); err != nil {
		_ = s.write(conn, controlResponse{OK: false, Error: err.Error()})
		return
	}
	if req.Action != actionSubscribe {
		_ = s.write(conn, failure(req.RequestID, fmt.Errorf("events endpoint only accepts %s", actionSubscribe)))
		return
	}

	if err := s.validator.Validate(req.Token); err != nil {
		observability.RecordControlRequest(req.Action, false)
		_ = s.write(conn, failure(req.RequestID, err))
		return
	}

	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	sub, err := s.backend.Subscribe(subCtx, req.Kinds)
	observability.RecordControlRequest(req.Action, err == nil)
	if err != nil {
		_ = s.write(conn, failure(req.RequestID, err))
		return
	}
	defer sub.Close()
	if err := s.write(conn, controlResponse{OK: true, RequestID: req.RequestID, Kind: kindSubscribed}); err != nil {
		return
	}

	// The client never writes after subscribing; a read returning means it went away.
	go func() {
		_, _ = io.Copy(io.Discard, reader)
		cancel()
	}()

	for {
		select {
		case <-subCtx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := s.write(conn, controlResponse{OK: true, Kind: kindEvent, Data: ev}); err != nil {
				log.Debug().Msgf("hostctl.server event write remote=%q err=%v", conn.RemoteAddr().String(), err)
				return
			}
		}
	}
}

func (s *Server) write(conn net.Conn, resp controlResponse) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return writeLine(conn, resp)
}

func millis(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func ignoreClosed(err error) error {
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
