package hostctl

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/danmuck/latticectl/internal/auth"
	"github.com/danmuck/latticectl/internal/lattice"
	"github.com/danmuck/latticectl/internal/lattice/memlattice"
	"github.com/danmuck/latticectl/internal/links"
	"github.com/danmuck/latticectl/internal/placement"
	"github.com/danmuck/latticectl/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type gateway struct {
	client  *Client
	lattice *memlattice.Lattice
	server  *Server
}

func startGateway(t *testing.T, hosts ...memlattice.HostSpec) gateway {
	t.Helper()
	return startGatewayWith(t, nil, hosts...)
}

func startGatewayWith(t *testing.T, opts []ServerOption, hosts ...memlattice.HostSpec) gateway {
	t.Helper()
	l := memlattice.New(memlattice.Options{EventDelay: 5 * time.Millisecond}, hosts...)
	ctl, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	events, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := NewServer(l, opts...)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ctl, events) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
		l.Close()
	})

	client := NewClient(ClientConfig{
		CtlAddr:    ctl.Addr().String(),
		EventsAddr: events.Addr().String(),
		Timeout:    time.Second,
	})
	return gateway{client: client, lattice: l, server: srv}
}

func twoHosts() []memlattice.HostSpec {
	return []memlattice.HostSpec{
		{ID: "host-west", FriendlyName: "edge-west", Labels: map[string]string{"region": "us-west"}},
		{ID: "host-east", FriendlyName: "edge-east", Labels: map[string]string{"region": "us-east"}},
	}
}

func TestClientHostsUsesCache(t *testing.T) {
	testlog.Start(t)
	gw := startGateway(t, twoHosts()...)
	ctx := context.Background()

	hosts, err := gw.client.Hosts(ctx)
	require.NoError(t, err)
	require.Len(t, hosts, 2)
	require.Equal(t, "edge-west", hosts[0].FriendlyName)

	gw.lattice.AddHost(memlattice.HostSpec{ID: "host-late"})
	hosts, err = gw.client.Hosts(ctx)
	require.NoError(t, err)
	require.Len(t, hosts, 2, "served from cache")

	gw.client.InvalidateHosts()
	hosts, err = gw.client.Hosts(ctx)
	require.NoError(t, err)
	require.Len(t, hosts, 3)
}

func TestClientHostCacheExpires(t *testing.T) {
	testlog.Start(t)
	gw := startGateway(t, twoHosts()...)
	ctx := context.Background()
	client := NewClient(ClientConfig{
		CtlAddr:      gw.client.ctlAddr,
		EventsAddr:   gw.client.eventsAddr,
		Timeout:      time.Second,
		HostCacheTTL: 50 * time.Millisecond,
	})

	hosts, err := client.Hosts(ctx)
	require.NoError(t, err)
	require.Len(t, hosts, 2)
	gw.lattice.AddHost(memlattice.HostSpec{ID: "host-late"})

	require.Eventually(t, func() bool {
		hosts, err := client.Hosts(ctx)
		return err == nil && len(hosts) == 3
	}, 2*time.Second, 20*time.Millisecond)
}

func TestClientAuctionsStreamBids(t *testing.T) {
	testlog.Start(t)
	gw := startGateway(t, twoHosts()...)
	ctx := context.Background()

	bids, err := gw.client.ProviderAuction(ctx, "httpserver:0.19", "default", nil, time.Second)
	require.NoError(t, err)
	require.Len(t, bids, 2)

	bids, err = gw.client.ActorAuction(ctx, "echo:0.3", map[string]string{"region": "us-east"}, time.Second)
	require.NoError(t, err)
	require.Len(t, bids, 1)
	require.Equal(t, lattice.HostID("host-east"), bids[0].HostID)
	require.Equal(t, "echo:0.3", bids[0].ActorRef)

	bids, err = gw.client.ActorAuction(ctx, "echo:0.3", map[string]string{"region": "mars"}, time.Second)
	require.NoError(t, err)
	require.Empty(t, bids)
}

func TestClientAuctionKeepsBidsCollectedBeforeTimeout(t *testing.T) {
	testlog.Start(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	release := make(chan struct{})
	served := make(chan struct{})
	go func() {
		defer close(served)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		line, err := bufio.NewReader(conn).ReadBytes('\n')
		if err != nil {
			return
		}
		var req controlRequest
		if err := json.Unmarshal(line, &req); err != nil {
			return
		}
		_ = writeLine(conn, controlResponse{OK: true, RequestID: req.RequestID, Kind: kindBid, Data: lattice.Bid{HostID: "host-slow"}})
		<-release
	}()

	client := NewClient(ClientConfig{CtlAddr: ln.Addr().String(), Timeout: time.Second})
	started := time.Now()
	bids, err := client.ProviderAuction(context.Background(), "httpserver:0.19", "default", nil, 100*time.Millisecond)
	close(release)
	<-served

	require.NoError(t, err)
	require.Equal(t, []lattice.Bid{{HostID: "host-slow"}}, bids)
	require.Less(t, time.Since(started), time.Second)
}

func TestClientSubscribeReceivesEventsAfterAck(t *testing.T) {
	testlog.Start(t)
	gw := startGateway(t, twoHosts()...)
	ctx := context.Background()

	sub, err := gw.client.Subscribe(ctx, []string{lattice.EventActorScaled})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return gw.lattice.Bus().SubscriberCount() == 1 }, time.Second, 5*time.Millisecond)

	gw.lattice.Bus().Publish(lattice.Event{Kind: lattice.EventProviderStarted, HostID: "host-west", ArtifactRef: "ignored"})
	gw.lattice.Bus().Publish(lattice.Event{Kind: lattice.EventActorScaled, HostID: "host-west", ArtifactRef: "echo:0.3", ActorID: "MACTOR"})

	select {
	case ev := <-sub.Events():
		require.Equal(t, "echo:0.3", ev.ArtifactRef)
		require.Equal(t, "MACTOR", ev.ActorID)
	case <-time.After(2 * time.Second):
		require.Fail(t, "timeout waiting for event")
	}

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())
	require.Eventually(t, func() bool { return gw.lattice.Bus().SubscriberCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestClientSubscribeCancelledByContext(t *testing.T) {
	testlog.Start(t)
	gw := startGateway(t, twoHosts()...)
	ctx, cancel := context.WithCancel(context.Background())

	sub, err := gw.client.Subscribe(ctx, nil)
	require.NoError(t, err)
	cancel()

	select {
	case _, ok := <-sub.Events():
		require.False(t, ok)
	case <-time.After(2 * time.Second):
		require.Fail(t, "subscription not closed after cancel")
	}
}

func TestClientLinkActions(t *testing.T) {
	testlog.Start(t)
	gw := startGateway(t, twoHosts()...)
	ctx := context.Background()

	link := links.Link{
		SourceID:     "comp-a",
		Target:       "comp-b",
		Name:         "default",
		WitNamespace: "wasi",
		WitPackage:   "keyvalue",
		Interfaces:   []string{"store", "atomics"},
	}
	require.NoError(t, gw.client.PutLink(ctx, link))
	require.ErrorIs(t, gw.client.PutLink(ctx, link), links.ErrConflict, "identical link overlaps itself")

	overlap := link
	overlap.Target = "comp-c"
	overlap.Interfaces = []string{"atomics"}
	err := gw.client.PutLink(ctx, overlap)
	require.ErrorIs(t, err, links.ErrConflict)
	require.ErrorIs(t, err, ErrRemote)

	err = gw.client.PutLink(ctx, links.Link{SourceID: "comp-a"})
	require.ErrorIs(t, err, links.ErrInvalidLink)

	stored, err := gw.client.Links(ctx)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	require.ElementsMatch(t, []string{"store", "atomics"}, stored[0].Interfaces)

	removed, err := gw.client.DeleteLink(ctx, link.LinkKey())
	require.NoError(t, err)
	require.True(t, removed)
	removed, err = gw.client.DeleteLink(ctx, link.LinkKey())
	require.NoError(t, err)
	require.False(t, removed)
}

func TestOrchestratorOverTransport(t *testing.T) {
	testlog.Start(t)
	hosts := twoHosts()
	hosts[1].FailRefs = []string{"ghcr.io/acme/broken:1.0"}
	hosts = append(hosts, memlattice.HostSpec{ID: "host-full", FriendlyName: "edge-full", Reject: "host is at capacity"})
	gw := startGateway(t, hosts...)
	orch := placement.New(gw.client)
	ctx := context.Background()

	out, err := orch.StartProvider(ctx, placement.StartProviderRequest{
		ProviderRef: "ghcr.io/acme/httpserver:0.19",
		Constraints: map[string]string{"region": "us-west"},
		Timeout:     time.Second,
	})
	require.NoError(t, err)
	require.Equal(t, "host-west", out.Fields["host_id"])
	require.Equal(t, "wasmcloud:httpserver", out.Fields["contract_id"])

	_, err = orch.StartProvider(ctx, placement.StartProviderRequest{
		HostHint:    "east",
		ProviderRef: "ghcr.io/acme/broken:1.0",
		Timeout:     time.Second,
	})
	require.ErrorIs(t, err, placement.ErrConfirmationFailed)

	_, err = orch.ScaleActor(ctx, placement.ScaleActorRequest{
		HostHint:     "edge-full",
		ActorRef:     "echo:0.3",
		MaxInstances: 1,
	})
	require.ErrorIs(t, err, placement.ErrRejected)
	require.ErrorContains(t, err, "host is at capacity")

	out, err = orch.ScaleActor(ctx, placement.ScaleActorRequest{
		HostHint:     "host-west",
		ActorRef:     "echo:0.3",
		MaxInstances: 2,
		Timeout:      time.Second,
	})
	require.NoError(t, err)
	require.NotEmpty(t, out.Fields["actor_id"])
	require.Eventually(t, func() bool { return gw.lattice.Bus().SubscriberCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestServerRejectsUnknownAndMalformedRequests(t *testing.T) {
	testlog.Start(t)
	gw := startGateway(t, twoHosts()...)

	err := gw.client.call(context.Background(), controlRequest{Action: "reboot"}, nil)
	require.ErrorIs(t, err, ErrRemote)
	require.ErrorContains(t, err, "unknown action: reboot")

	err = gw.client.call(context.Background(), controlRequest{Action: actionStartProvider}, nil)
	require.ErrorContains(t, err, "missing start command")

	conn, err := net.Dial("tcp", gw.client.ctlAddr)
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("{not json\n"))
	require.NoError(t, err)
	resp, err := readResponse(bufio.NewReader(conn))
	require.NoError(t, err)
	require.False(t, resp.OK)
	require.NotEmpty(t, resp.Error)
}

func TestEventsEndpointRequiresSubscribe(t *testing.T) {
	testlog.Start(t)
	gw := startGateway(t, twoHosts()...)

	conn, err := net.Dial("tcp", gw.client.eventsAddr)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, writeLine(conn, controlRequest{Action: actionHosts, RequestID: "r-1"}))
	resp, err := readResponse(bufio.NewReader(conn))
	require.NoError(t, err)
	require.False(t, resp.OK)
	require.Equal(t, "r-1", resp.RequestID)
}

func TestServerCloseDropsConnections(t *testing.T) {
	testlog.Start(t)
	l := memlattice.New(memlattice.Options{}, twoHosts()...)
	defer l.Close()
	ctl, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	events, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := NewServer(l)
	done := make(chan error, 1)
	go func() { done <- srv.Serve(context.Background(), ctl, events) }()

	client := NewClient(ClientConfig{CtlAddr: ctl.Addr().String(), EventsAddr: events.Addr().String(), Timeout: time.Second})
	sub, err := client.Subscribe(context.Background(), nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return srv.ActiveConnections() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, srv.Close())
	require.NoError(t, srv.Close())
	require.NoError(t, <-done)
	require.Zero(t, srv.ActiveConnections())

	select {
	case _, ok := <-sub.Events():
		require.False(t, ok)
	case <-time.After(2 * time.Second):
		require.Fail(t, "subscription not closed after server shutdown")
	}
	require.NoError(t, sub.Close())
}

func TestServerRequiresSharedToken(t *testing.T) {
	testlog.Start(t)
	gw := startGatewayWith(t, []ServerOption{WithValidator(auth.SharedToken("s3cret"))}, twoHosts()...)
	ctx := context.Background()

	_, err := gw.client.Hosts(ctx)
	require.ErrorIs(t, err, auth.ErrUnauthorized)
	require.ErrorIs(t, err, ErrRemote)
	_, err = gw.client.Subscribe(ctx, nil)
	require.ErrorIs(t, err, auth.ErrUnauthorized)
	_, err = gw.client.ProviderAuction(ctx, "httpserver:0.19", "default", nil, time.Second)
	require.ErrorIs(t, err, auth.ErrUnauthorized)

	authed := NewClient(ClientConfig{
		CtlAddr:    gw.client.ctlAddr,
		EventsAddr: gw.client.eventsAddr,
		Timeout:    time.Second,
		Token:      "s3cret",
	})
	hosts, err := authed.Hosts(ctx)
	require.NoError(t, err)
	require.Len(t, hosts, 2)
	sub, err := authed.Subscribe(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, sub.Close())
}
