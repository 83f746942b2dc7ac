package placement

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/danmuck/latticectl/internal/lattice"
)

// scriptedLattice is a lattice.Client whose answers are fixed up front and whose
// calls are recorded in order.
type scriptedLattice struct {
	mu sync.Mutex

	hosts       []lattice.Host
	bids        []lattice.Bid
	auctionErr  error
	ack         lattice.Ack
	dispatchErr error
	closeOnSub  bool

	// afterSubscribe runs once a subscription is live and before dispatch can happen.
	afterSubscribe func(bus *lattice.EventBus)
	// afterDispatch runs after the ack is produced.
	afterDispatch func(bus *lattice.EventBus, host lattice.HostID)

	bus   *lattice.EventBus
	calls []string

	auctionRef         string
	auctionConstraints map[string]string
	startCmds          []lattice.StartProviderCommand
	scaleCmds          []lattice.ScaleActorCommand
}

func newScripted() *scriptedLattice {
	return &scriptedLattice{
		bus: lattice.NewEventBus(),
		ack: lattice.Ack{Accepted: true},
	}
}

func (s *scriptedLattice) record(call string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call)
}

func (s *scriptedLattice) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func (s *scriptedLattice) DispatchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.startCmds) + len(s.scaleCmds)
}

func (s *scriptedLattice) Hosts(context.Context) ([]lattice.Host, error) {
	s.record("hosts")
	return s.hosts, nil
}

func (s *scriptedLattice) ProviderAuction(_ context.Context, ref, _ string, constraints map[string]string, _ time.Duration) ([]lattice.Bid, error) {
	s.record("auction")
	s.mu.Lock()
	s.auctionRef = ref
	s.auctionConstraints = maps.Clone(constraints)
	s.mu.Unlock()
	return s.bids, s.auctionErr
}

func (s *scriptedLattice) ActorAuction(_ context.Context, ref string, constraints map[string]string, _ time.Duration) ([]lattice.Bid, error) {
	s.record("auction")
	s.mu.Lock()
	s.auctionRef = ref
	s.auctionConstraints = maps.Clone(constraints)
	s.mu.Unlock()
	return s.bids, s.auctionErr
}

func (s *scriptedLattice) StartProvider(_ context.Context, cmd lattice.StartProviderCommand) (lattice.Ack, error) {
	s.record("dispatch")
	s.mu.Lock()
	s.startCmds = append(s.startCmds, cmd)
	s.mu.Unlock()
	if s.dispatchErr != nil {
		return lattice.Ack{}, s.dispatchErr
	}
	if s.afterDispatch != nil {
		s.afterDispatch(s.bus, cmd.HostID)
	}
	return s.ack, nil
}

func (s *scriptedLattice) ScaleActor(_ context.Context, cmd lattice.ScaleActorCommand) (lattice.Ack, error) {
	s.record("dispatch")
	s.mu.Lock()
	s.scaleCmds = append(s.scaleCmds, cmd)
	s.mu.Unlock()
	if s.dispatchErr != nil {
		return lattice.Ack{}, s.dispatchErr
	}
	if s.afterDispatch != nil {
		s.afterDispatch(s.bus, cmd.HostID)
	}
	return s.ack, nil
}

func (s *scriptedLattice) Subscribe(ctx context.Context, kinds []string) (lattice.Subscription, error) {
	s.record("subscribe")
	sub, err := s.bus.Subscribe(ctx, kinds)
	if err != nil {
		return nil, err
	}
	if s.closeOnSub {
		_ = sub.Close()
	}
	if s.afterSubscribe != nil {
		s.afterSubscribe(s.bus)
	}
	return sub, nil
}
