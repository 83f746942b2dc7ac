package hostctl

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/latticectl/internal/lattice"
	"github.com/danmuck/latticectl/internal/links"
	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"
)

const (
	DefaultTimeout      = 2 * time.Second
	DefaultHostCacheTTL = 5 * time.Second

	hostsCacheKey = "hosts"
)

// ClientConfig addresses one lattice gateway.
type ClientConfig struct {
	CtlAddr    string
	EventsAddr string
	// Timeout bounds dialing and each request/response exchange.
	Timeout time.Duration
	// HostCacheTTL is how long a host inventory answer is reused. Negative disables caching.
	HostCacheTTL time.Duration
	// Token is presented on every request when the server requires one.
	Token string
}

// Client talks to a hostctl Server and implements lattice.Backend.
type Client struct {
	ctlAddr    string
	eventsAddr string
	timeout    time.Duration
	token      string
	hosts      *gocache.Cache
}

var _ lattice.Backend = (*Client)(nil)

func NewClient(cfg ClientConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ttl := cfg.HostCacheTTL
	if ttl == 0 {
		ttl = DefaultHostCacheTTL
	}
	c := &Client{
		ctlAddr:    strings.TrimSpace(cfg.CtlAddr),
		eventsAddr: strings.TrimSpace(cfg.EventsAddr),
		timeout:    timeout,
		token:      cfg.Token,
	}
	if ttl > 0 {
		// One key, expiry checked on Get: no cleanup interval, so no janitor goroutine.
		c.hosts = gocache.New(ttl, 0)
	}
	return c
}

// InvalidateHosts drops the cached host inventory.
func (c *Client) InvalidateHosts() {
	if c.hosts != nil {
		c.hosts.Delete(hostsCacheKey)
	}
}

func (c *Client) Hosts(ctx context.Context) ([]lattice.Host, error) {
	if c.hosts != nil {
		if cached, ok := c.hosts.Get(hostsCacheKey); ok {
			if hosts, ok := cached.([]lattice.Host); ok {
				log.Trace().Msgf("hostctl.client hosts cache hit count=%d", len(hosts))
				return hosts, nil
			}
		}
	}
	var hosts []lattice.Host
	if err := c.call(ctx, controlRequest{Action: actionHosts}, &hosts); err != nil {
		return nil, err
	}
	if c.hosts != nil {
		c.hosts.SetDefault(hostsCacheKey, hosts)
	}
	return hosts, nil
}

func (c *Client) ProviderAuction(ctx context.Context, providerRef, linkName string, constraints map[string]string, timeout time.Duration) ([]lattice.Bid, error) {
	return c.auction(ctx, controlRequest{
		Action:      actionAuctionProvider,
		Ref:         providerRef,
		LinkName:    linkName,
		Constraints: constraints,
	}, timeout)
}

func (c *Client) ActorAuction(ctx context.Context, actorRef string, constraints map[string]string, timeout time.Duration) ([]lattice.Bid, error) {
	return c.auction(ctx, controlRequest{
		Action:      actionAuctionActor,
		Ref:         actorRef,
		Constraints: constraints,
	}, timeout)
}

func (c *Client) StartProvider(ctx context.Context, cmd lattice.StartProviderCommand) (lattice.Ack, error) {
	var ack lattice.Ack
	err := c.call(ctx, controlRequest{Action: actionStartProvider, Start: &cmd}, &ack)
	return ack, err
}

func (c *Client) ScaleActor(ctx context.Context, cmd lattice.ScaleActorCommand) (lattice.Ack, error) {
	var ack lattice.Ack
	err := c.call(ctx, controlRequest{Action: actionScaleActor, Scale: &cmd}, &ack)
	return ack, err
}

func (c *Client) PutLink(ctx context.Context, link links.Link) error {
	return c.call(ctx, controlRequest{Action: actionPutLink, Link: &link}, nil)
}

func (c *Client) DeleteLink(ctx context.Context, key links.LinkKey) (bool, error) {
	var out struct {
		Removed bool `json:"removed"`
	}
	err := c.call(ctx, controlRequest{Action: actionDelLink, LinkKey: &key}, &out)
	return out.Removed, err
}

func (c *Client) Links(ctx context.Context) ([]links.Link, error) {
	var out []links.Link
	if err := c.call(ctx, controlRequest{Action: actionGetLinks}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Subscribe opens a dedicated events connection and returns once the server
// has confirmed the subscription is live.
func (c *Client) Subscribe(ctx context.Context, kinds []string) (lattice.Subscription, error) {
	conn, err := c.dial(ctx, c.eventsAddr)
	if err != nil {
		return nil, err
	}
	req := controlRequest{Action: actionSubscribe, RequestID: uuid.NewString(), Token: c.token, Kinds: kinds}
	_ = conn.SetDeadline(c.deadline(ctx, c.timeout))
	if err := writeLine(conn, req); err != nil {
		_ = conn.Close()
		return nil, err
	}
	reader := bufio.NewReader(conn)
	resp, err := readResponse(reader)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if !resp.OK {
		_ = conn.Close()
		return nil, remoteError(actionSubscribe, resp)
	}
	if resp.Kind != kindSubscribed || resp.RequestID != req.RequestID {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: expected %s ack, got kind=%q request_id=%q", ErrProtocol, kindSubscribed, resp.Kind, resp.RequestID)
	}
	_ = conn.SetDeadline(time.Time{})

	sub := &subscription{
		conn:   conn,
		events: make(chan lattice.Event, 64),
		done:   make(chan struct{}),
	}
	go sub.read(reader)
	go func() {
		select {
		case <-ctx.Done():
			_ = sub.Close()
		case <-sub.done:
		}
	}()
	return sub, nil
}

// call performs one request/response exchange and decodes the data into out.
func (c *Client) call(ctx context.Context, req controlRequest, out any) error {
	conn, err := c.dial(ctx, c.ctlAddr)
	if err != nil {
		return err
	}
	defer conn.Close()

	req.RequestID = uuid.NewString()
	req.Token = c.token
	_ = conn.SetDeadline(c.deadline(ctx, c.timeout))
	if err := writeLine(conn, req); err != nil {
		return err
	}
	resp, err := readResponse(bufio.NewReader(conn))
	if err != nil {
		return err
	}
	if resp.RequestID != req.RequestID {
		return fmt.Errorf("%w: request_id mismatch want=%q got=%q", ErrProtocol, req.RequestID, resp.RequestID)
	}
	if !resp.OK {
		return remoteError(req.Action, resp)
	}
	if out == nil {
		return nil
	}
	return decodeData(resp, out)
}

// auction streams bids until the server reports done or timeout elapses,
// keeping every bid that arrived.
func (c *Client) auction(ctx context.Context, req controlRequest, timeout time.Duration) ([]lattice.Bid, error) {
	if timeout <= 0 {
		timeout = c.timeout
	}
	conn, err := c.dial(ctx, c.ctlAddr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	req.RequestID = uuid.NewString()
	req.Token = c.token
	req.TimeoutMS = timeout.Milliseconds()
	_ = conn.SetDeadline(c.deadline(ctx, timeout))
	if err := writeLine(conn, req); err != nil {
		return nil, err
	}

	reader := bufio.NewReader(conn)
	var bids []lattice.Bid
	for {
		resp, err := readResponse(reader)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return bids, ctxErr
				}
				log.Debug().Msgf("hostctl.client auction timeout action=%s bids=%d", req.Action, len(bids))
				return bids, nil
			}
			return bids, err
		}
		if !resp.OK {
			return nil, remoteError(req.Action, resp)
		}
		switch resp.Kind {
		case kindBid:
			var bid lattice.Bid
			if err := decodeData(resp, &bid); err != nil {
				return bids, err
			}
			bids = append(bids, bid)
		case kindDone:
			return bids, nil
		default:
			return bids, fmt.Errorf("%w: unexpected %q line during auction", ErrProtocol, resp.Kind)
		}
	}
}

func (c *Client) dial(ctx context.Context, addr string) (net.Conn, error) {
	if addr == "" {
		return nil, fmt.Errorf("hostctl: address required")
	}
	dialer := net.Dialer{Timeout: c.timeout}
	return dialer.DialContext(ctx, "tcp", addr)
}

// deadline is now+timeout, or the ctx deadline when that comes first.
func (c *Client) deadline(ctx context.Context, timeout time.Duration) time.Time {
	d := time.Now().Add(timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(d) {
		return ctxDeadline
	}
	return d
}

func readResponse(r *bufio.Reader) (clientResponse, error) {
	line, err := r.ReadBytes('\n')
	if err != nil {
		return clientResponse{}, err
	}
	var resp clientResponse
	if err := json.Unmarshal(line, &resp); err != nil {
		return clientResponse{}, fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	return resp, nil
}

type subscription struct {
	conn   net.Conn
	events chan lattice.Event
	done   chan struct{}
	once   sync.Once
}

func (s *subscription) Events() <-chan lattice.Event {
	return s.events
}

func (s *subscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = ignoreClosed(s.conn.Close())
	})
	return err
}

// read forwards event lines until the connection ends, then closes Events.
func (s *subscription) read(r *bufio.Reader) {
	defer close(s.events)
	for {
		resp, err := readResponse(r)
		if err != nil {
			select {
			case <-s.done:
			default:
				log.Debug().Msgf("hostctl.subscription closed err=%v", err)
			}
			return
		}
		if resp.Kind != kindEvent {
			continue
		}
		var ev lattice.Event
		if err := decodeData(resp, &ev); err != nil {
			log.Warn().Msgf("hostctl.subscription decode err=%v", err)
			continue
		}
		select {
		case s.events <- ev:
		case <-s.done:
			return
		}
	}
}
