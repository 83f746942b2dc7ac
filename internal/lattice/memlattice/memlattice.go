// Package memlattice is an in-process lattice backend: simulated hosts that bid
// on auctions, acknowledge commands, and publish lifecycle events.
package memlattice

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/latticectl/internal/lattice"
	"github.com/danmuck/latticectl/internal/links"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ErrClosed is returned for commands dispatched after Close.
var ErrClosed = errors.New("memlattice: closed")

// HostSpec declares one simulated host.
type HostSpec struct {
	ID           lattice.HostID
	FriendlyName string
	Labels       map[string]string
	// FailRefs lists artifact refs this host acknowledges and then fails to run.
	FailRefs []string
	// Reject makes the host refuse every command in its ack.
	Reject string
}

// Options tune event timing.
type Options struct {
	// EventDelay is how long a host takes to publish the outcome event after acking.
	EventDelay time.Duration
}

type simHost struct {
	spec      HostSpec
	started   time.Time
	providers map[string]string
	actors    map[string]actorState
}

type actorState struct {
	id           string
	maxInstances uint32
}

// Lattice is a concurrency-safe simulated lattice implementing lattice.Backend.
type Lattice struct {
	mu    sync.RWMutex
	hosts map[lattice.HostID]*simHost
	order []lattice.HostID
	bus   *lattice.EventBus
	links *links.Registry
	opts  Options

	// closed is guarded by mu; pending event goroutines join wg only while it is false.
	closed bool

	dispatched atomic.Int64
	wg         sync.WaitGroup
}

var _ lattice.Backend = (*Lattice)(nil)

// New builds a lattice with the given hosts.
func New(opts Options, hosts ...HostSpec) *Lattice {
	l := &Lattice{
		hosts: make(map[lattice.HostID]*simHost),
		bus:   lattice.NewEventBus(),
		links: links.NewRegistry(),
		opts:  opts,
	}
	for _, h := range hosts {
		l.AddHost(h)
	}
	return l
}

// AddHost joins a host to the lattice. A host without an id gets a generated one.
func (l *Lattice) AddHost(spec HostSpec) lattice.HostID {
	if spec.ID == "" {
		spec.ID = lattice.HostID("host-" + uuid.NewString())
	}
	if spec.FriendlyName == "" {
		spec.FriendlyName = string(spec.ID)
	}
	spec.Labels = maps.Clone(spec.Labels)
	spec.FailRefs = slices.Clone(spec.FailRefs)

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.hosts[spec.ID]; !ok {
		l.order = append(l.order, spec.ID)
	}
	l.hosts[spec.ID] = &simHost{
		spec:      spec,
		started:   time.Now(),
		providers: make(map[string]string),
		actors:    make(map[string]actorState),
	}
	return spec.ID
}

// Bus exposes the event stream, e.g. to publish out-of-band events in tests.
func (l *Lattice) Bus() *lattice.EventBus {
	return l.bus
}

// Registry exposes the link registry backing the link actions.
func (l *Lattice) Registry() *links.Registry {
	return l.links
}

// DispatchCount returns how many start/scale commands reached a host.
func (l *Lattice) DispatchCount() int {
	return int(l.dispatched.Load())
}

// Close rejects further commands, waits for pending events, and shuts the
// event stream down.
func (l *Lattice) Close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.wg.Wait()
	l.bus.Close()
}

func (l *Lattice) Hosts(ctx context.Context) ([]lattice.Host, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]lattice.Host, 0, len(l.order))
	for _, id := range l.order {
		h := l.hosts[id]
		out = append(out, lattice.Host{
			ID:           h.spec.ID,
			FriendlyName: h.spec.FriendlyName,
			Labels:       maps.Clone(h.spec.Labels),
			UptimeMS:     uint64(time.Since(h.started).Milliseconds()),
		})
	}
	return out, nil
}

// ProviderAuction returns a bid from every host whose labels satisfy constraints
// and that is not already running the provider under linkName.
func (l *Lattice) ProviderAuction(ctx context.Context, providerRef, linkName string, constraints map[string]string, _ time.Duration) ([]lattice.Bid, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	var bids []lattice.Bid
	for _, id := range l.order {
		h := l.hosts[id]
		if !lattice.SatisfiesConstraints(h.spec.Labels, constraints) {
			continue
		}
		if _, running := h.providers[providerKey(providerRef, linkName)]; running {
			continue
		}
		bids = append(bids, lattice.Bid{
			HostID:      id,
			ProviderRef: providerRef,
			LinkName:    linkName,
			Constraints: maps.Clone(constraints),
		})
	}
	return bids, nil
}

// ActorAuction returns a bid from every host whose labels satisfy constraints.
func (l *Lattice) ActorAuction(ctx context.Context, actorRef string, constraints map[string]string, _ time.Duration) ([]lattice.Bid, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	var bids []lattice.Bid
	for _, id := range l.order {
		if !lattice.SatisfiesConstraints(l.hosts[id].spec.Labels, constraints) {
			continue
		}
		bids = append(bids, lattice.Bid{
			HostID:      id,
			ActorRef:    actorRef,
			Constraints: maps.Clone(constraints),
		})
	}
	return bids, nil
}

func (l *Lattice) StartProvider(ctx context.Context, cmd lattice.StartProviderCommand) (lattice.Ack, error) {
	if err := ctx.Err(); err != nil {
		return lattice.Ack{}, err
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return lattice.Ack{}, ErrClosed
	}
	h, ok := l.hosts[cmd.HostID]
	if !ok {
		l.mu.Unlock()
		return lattice.Ack{Accepted: false, Error: fmt.Sprintf("host %s not found", cmd.HostID)}, nil
	}
	l.dispatched.Add(1)
	if h.spec.Reject != "" {
		l.mu.Unlock()
		return lattice.Ack{Accepted: false, Error: h.spec.Reject}, nil
	}

	event := lattice.Event{
		HostID:      cmd.HostID,
		ArtifactRef: cmd.ProviderRef,
		LinkName:    cmd.LinkName,
	}
	if slices.Contains(h.spec.FailRefs, cmd.ProviderRef) {
		event.Kind = lattice.EventProviderStartFailed
		event.Error = fmt.Sprintf("failed to start provider %s", cmd.ProviderRef)
	} else {
		key := providerKey(cmd.ProviderRef, cmd.LinkName)
		id, running := h.providers[key]
		if !running {
			id = "V" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
			h.providers[key] = id
		}
		event.Kind = lattice.EventProviderStarted
		event.ProviderID = id
		event.ContractID = contractFor(cmd.ProviderRef)
	}
	l.wg.Add(1)
	l.mu.Unlock()

	log.Debug().Msgf("memlattice.StartProvider host_id=%q ref=%q link_name=%q", cmd.HostID, cmd.ProviderRef, cmd.LinkName)
	l.publishLater(event)
	return lattice.Ack{Accepted: true}, nil
}

func (l *Lattice) ScaleActor(ctx context.Context, cmd lattice.ScaleActorCommand) (lattice.Ack, error) {
	if err := ctx.Err(); err != nil {
		return lattice.Ack{}, err
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return lattice.Ack{}, ErrClosed
	}
	h, ok := l.hosts[cmd.HostID]
	if !ok {
		l.mu.Unlock()
		return lattice.Ack{Accepted: false, Error: fmt.Sprintf("host %s not found", cmd.HostID)}, nil
	}
	l.dispatched.Add(1)
	if h.spec.Reject != "" {
		l.mu.Unlock()
		return lattice.Ack{Accepted: false, Error: h.spec.Reject}, nil
	}

	event := lattice.Event{HostID: cmd.HostID, ArtifactRef: cmd.ActorRef}
	if slices.Contains(h.spec.FailRefs, cmd.ActorRef) {
		event.Kind = lattice.EventActorScaleFailed
		event.Error = fmt.Sprintf("failed to scale actor %s", cmd.ActorRef)
	} else {
		st, exists := h.actors[cmd.ActorRef]
		if !exists {
			st.id = "M" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
		}
		st.maxInstances = cmd.MaxInstances
		if cmd.MaxInstances == 0 {
			delete(h.actors, cmd.ActorRef)
		} else {
			h.actors[cmd.ActorRef] = st
		}
		event.Kind = lattice.EventActorScaled
		event.ActorID = st.id
	}
	l.wg.Add(1)
	l.mu.Unlock()

	log.Debug().Msgf("memlattice.ScaleActor host_id=%q ref=%q max_instances=%d", cmd.HostID, cmd.ActorRef, cmd.MaxInstances)
	l.publishLater(event)
	return lattice.Ack{Accepted: true}, nil
}

// ActorInstances reports the max instances recorded for ref on host.
func (l *Lattice) ActorInstances(host lattice.HostID, ref string) (uint32, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	h, ok := l.hosts[host]
	if !ok {
		return 0, false
	}
	st, ok := h.actors[ref]
	return st.maxInstances, ok
}

func (l *Lattice) Subscribe(ctx context.Context, kinds []string) (lattice.Subscription, error) {
	return l.bus.Subscribe(ctx, kinds)
}

func (l *Lattice) PutLink(_ context.Context, link links.Link) error {
	if err := link.Validate(); err != nil {
		return err
	}
	return l.links.Insert(link)
}

func (l *Lattice) DeleteLink(_ context.Context, key links.LinkKey) (bool, error) {
	return l.links.Remove(key), nil
}

func (l *Lattice) Links(context.Context) ([]links.Link, error) {
	return l.links.List(), nil
}

// publishLater publishes event after the configured delay. The caller has
// already added the goroutine to wg while holding mu.
func (l *Lattice) publishLater(event lattice.Event) {
	go func() {
		defer l.wg.Done()
		if l.opts.EventDelay > 0 {
			time.Sleep(l.opts.EventDelay)
		}
		event.TimestampMS = uint64(time.Now().UnixMilli())
		l.bus.Publish(event)
	}()
}

func providerKey(ref, linkName string) string {
	return ref + "|" + linkName
}

// contractFor derives a stable contract id from the provider ref's last path element.
func contractFor(ref string) string {
	name := ref
	if i := strings.LastIndexAny(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	if i := strings.IndexAny(name, ":@"); i >= 0 {
		name = name[:i]
	}
	return "wasmcloud:" + name
}
