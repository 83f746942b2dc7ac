package lattice

import (
	"context"
	"strings"
	"time"

	"github.com/danmuck/latticectl/internal/links"
)

// Event kinds published on the lattice event stream.
const (
	EventProviderStarted     = "provider_started"
	EventProviderStartFailed = "provider_start_failed"
	EventActorScaled         = "actor_scaled"
	EventActorScaleFailed    = "actor_scale_failed"
)

// HostID is the canonical identifier of one lattice host.
type HostID string

func (h HostID) String() string {
	return string(h)
}

// Host is one inventory entry as reported by the lattice.
type Host struct {
	ID           HostID            `json:"id"`
	FriendlyName string            `json:"friendly_name"`
	Labels       map[string]string `json:"labels,omitempty"`
	UptimeMS     uint64            `json:"uptime_ms,omitempty"`
}

// Bid is one host's answer to an auction.
type Bid struct {
	HostID      HostID            `json:"host_id"`
	ProviderRef string            `json:"provider_ref,omitempty"`
	ActorRef    string            `json:"actor_ref,omitempty"`
	LinkName    string            `json:"link_name,omitempty"`
	Constraints map[string]string `json:"constraints,omitempty"`
}

// Ack is the synchronous acknowledgment a host returns for a command.
type Ack struct {
	Accepted bool   `json:"accepted"`
	Error    string `json:"error,omitempty"`
}

// Event is one entry on the lattice event stream. Identity fields are set only
// on the kinds that carry them.
type Event struct {
	Kind        string `json:"kind"`
	HostID      HostID `json:"host_id"`
	ArtifactRef string `json:"artifact_ref"`
	ProviderID  string `json:"provider_id,omitempty"`
	ContractID  string `json:"contract_id,omitempty"`
	LinkName    string `json:"link_name,omitempty"`
	ActorID     string `json:"actor_id,omitempty"`
	Error       string `json:"error,omitempty"`
	TimestampMS uint64 `json:"timestamp_ms,omitempty"`
}

// Matches reports whether the event belongs to the command keyed by host and ref.
func (e Event) Matches(host HostID, ref string) bool {
	return e.HostID == host && e.ArtifactRef == ref
}

// StartProviderCommand is dispatched to one host to launch a provider.
type StartProviderCommand struct {
	HostID      HostID            `json:"host_id"`
	ProviderRef string            `json:"provider_ref"`
	LinkName    string            `json:"link_name"`
	Annotations map[string]string `json:"annotations,omitempty"`
	ConfigJSON  string            `json:"config_json,omitempty"`
}

// ScaleActorCommand is dispatched to one host to set an actor's max instances.
type ScaleActorCommand struct {
	HostID       HostID            `json:"host_id"`
	ActorRef     string            `json:"actor_ref"`
	MaxInstances uint32            `json:"max_instances"`
	Annotations  map[string]string `json:"annotations,omitempty"`
}

// HostLister returns the current host inventory.
type HostLister interface {
	Hosts(ctx context.Context) ([]Host, error)
}

// Auctioneer broadcasts placement auctions and collects bids until timeout.
type Auctioneer interface {
	ProviderAuction(ctx context.Context, providerRef, linkName string, constraints map[string]string, timeout time.Duration) ([]Bid, error)
	ActorAuction(ctx context.Context, actorRef string, constraints map[string]string, timeout time.Duration) ([]Bid, error)
}

// Dispatcher sends lifecycle commands and returns the host's acknowledgment.
type Dispatcher interface {
	StartProvider(ctx context.Context, cmd StartProviderCommand) (Ack, error)
	ScaleActor(ctx context.Context, cmd ScaleActorCommand) (Ack, error)
}

// Subscription is a live, filtered view of the event stream. Close releases it.
type Subscription interface {
	Events() <-chan Event
	Close() error
}

// EventSource opens event subscriptions. A returned subscription must already
// receive every event published after Subscribe returns.
type EventSource interface {
	Subscribe(ctx context.Context, kinds []string) (Subscription, error)
}

// LinkManager stores interface links on the lattice.
type LinkManager interface {
	PutLink(ctx context.Context, link links.Link) error
	DeleteLink(ctx context.Context, key links.LinkKey) (bool, error)
	Links(ctx context.Context) ([]links.Link, error)
}

// Client is the full transport surface used by the control-plane commands.
type Client interface {
	HostLister
	Auctioneer
	Dispatcher
	EventSource
}

// Backend is everything a lattice gateway serves.
type Backend interface {
	Client
	LinkManager
}

// NormalizeRef prefixes absolute filesystem paths with the file scheme.
func NormalizeRef(ref string) string {
	if strings.HasPrefix(ref, "/") {
		return "file://" + ref
	}
	return ref
}
