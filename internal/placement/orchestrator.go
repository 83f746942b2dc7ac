package placement

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"github.com/danmuck/latticectl/internal/lattice"
	"github.com/danmuck/latticectl/internal/observability"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultLinkName             = "default"
	DefaultTimeout              = 2 * time.Second
	DefaultAuctionTimeout       = 2 * time.Second
	DefaultStartProviderTimeout = 30 * time.Second
	DefaultScaleActorTimeout    = 5 * time.Second
	DefaultMaxInstances         = math.MaxUint32

	tracerName = "github.com/danmuck/latticectl/internal/placement"
)

// Settings are the timeout defaults applied to every command.
type Settings struct {
	AuctionTimeout       time.Duration
	StartProviderTimeout time.Duration
	ScaleActorTimeout    time.Duration
}

// DefaultSettings returns the stock timeouts.
func DefaultSettings() Settings {
	return Settings{
		AuctionTimeout:       DefaultAuctionTimeout,
		StartProviderTimeout: DefaultStartProviderTimeout,
		ScaleActorTimeout:    DefaultScaleActorTimeout,
	}
}

func (s Settings) withDefaults() Settings {
	def := DefaultSettings()
	if s.AuctionTimeout <= 0 {
		s.AuctionTimeout = def.AuctionTimeout
	}
	if s.StartProviderTimeout <= 0 {
		s.StartProviderTimeout = def.StartProviderTimeout
	}
	if s.ScaleActorTimeout <= 0 {
		s.ScaleActorTimeout = def.ScaleActorTimeout
	}
	return s
}

// waitTimeout picks the confirmation timeout for one command. A request of zero
// or exactly DefaultTimeout, the general request timeout, means the command's
// own default applies.
func (s Settings) waitTimeout(requested, commandDefault time.Duration) time.Duration {
	if requested <= 0 || requested == DefaultTimeout {
		return commandDefault
	}
	return requested
}

func (s Settings) auctionTimeout(requested time.Duration) time.Duration {
	if requested <= 0 {
		return s.AuctionTimeout
	}
	return requested
}

// Output is the uniform command result: a summary line plus named fields.
type Output struct {
	Text   string         `json:"text"`
	Fields map[string]any `json:"fields"`
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithSettings(s Settings) Option {
	return func(o *Orchestrator) { o.settings = s.withDefaults() }
}

// WithTracer overrides the tracer taken from the global otel provider.
func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = t }
}

// WithTransitionHook observes every state transition of every run.
func WithTransitionHook(fn func(cmd Command, from, to State)) Option {
	return func(o *Orchestrator) { o.onTransition = fn }
}

// Orchestrator drives start and scale commands through host resolution,
// dispatch, ack checking, and event confirmation. It is safe for concurrent use;
// each command owns its own subscription.
type Orchestrator struct {
	client       lattice.Client
	settings     Settings
	tracer       trace.Tracer
	onTransition func(cmd Command, from, to State)
}

// New builds an orchestrator over one lattice client.
func New(client lattice.Client, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		client:   client,
		settings: DefaultSettings(),
		tracer:   otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// StartProviderRequest describes one start provider command.
type StartProviderRequest struct {
	// HostHint is a host id or friendly-name fragment; empty auctions the provider.
	HostHint    string
	ProviderRef string
	LinkName    string
	// Constraints are auction label requirements; ignored when HostHint is set.
	Constraints map[string]string
	Annotations map[string]string
	ConfigJSON  string
	SkipWait    bool
	// Timeout bounds the confirmation wait. Zero uses the start provider default.
	Timeout        time.Duration
	AuctionTimeout time.Duration
}

// ScaleActorRequest describes one scale actor command.
type ScaleActorRequest struct {
	HostHint string
	ActorRef string
	// MaxInstances is the actor's concurrency ceiling; zero scales it down.
	MaxInstances   uint32
	Annotations    map[string]string
	Constraints    map[string]string
	SkipWait       bool
	Timeout        time.Duration
	AuctionTimeout time.Duration
}

// StartProvider places a provider on a host and, unless SkipWait is set, waits
// for the host to report it started.
func (o *Orchestrator) StartProvider(ctx context.Context, req StartProviderRequest) (Output, error) {
	ref := lattice.NormalizeRef(strings.TrimSpace(req.ProviderRef))
	linkName := strings.TrimSpace(req.LinkName)
	if linkName == "" {
		linkName = DefaultLinkName
	}
	if ref == "" {
		return Output{}, o.invalid(CommandStartProvider, ref, "missing provider_ref")
	}
	if req.ConfigJSON != "" && !json.Valid([]byte(req.ConfigJSON)) {
		return Output{}, o.invalid(CommandStartProvider, ref, "provider configuration is not valid JSON")
	}

	p := plan{
		command:        CommandStartProvider,
		ref:            ref,
		hostHint:       strings.TrimSpace(req.HostHint),
		skipWait:       req.SkipWait,
		waitTimeout:    o.settings.waitTimeout(req.Timeout, o.settings.StartProviderTimeout),
		auctionTimeout: o.settings.auctionTimeout(req.AuctionTimeout),
		successKind:    lattice.EventProviderStarted,
		failureKind:    lattice.EventProviderStartFailed,
		auction: func(ctx context.Context, timeout time.Duration) ([]lattice.Bid, error) {
			return o.client.ProviderAuction(ctx, ref, linkName, req.Constraints, timeout)
		},
		dispatch: func(ctx context.Context, host lattice.HostID) (lattice.Ack, error) {
			return o.client.StartProvider(ctx, lattice.StartProviderCommand{
				HostID:      host,
				ProviderRef: ref,
				LinkName:    linkName,
				Annotations: req.Annotations,
				ConfigJSON:  req.ConfigJSON,
			})
		},
		received: func(host lattice.HostID) Output {
			text := fmt.Sprintf("Start provider request received: %s", ref)
			return Output{Text: text, Fields: map[string]any{
				"result":       text,
				"provider_ref": ref,
				"host_id":      host.String(),
			}}
		},
		confirmed: func(host lattice.HostID, ev lattice.Event) Output {
			text := fmt.Sprintf("Provider [%s] (ref: [%s]) started on host [%s]", ev.ProviderID, ev.ArtifactRef, ev.HostID)
			return Output{Text: text, Fields: map[string]any{
				"result":       text,
				"provider_ref": ev.ArtifactRef,
				"provider_id":  ev.ProviderID,
				"link_name":    ev.LinkName,
				"contract_id":  ev.ContractID,
				"host_id":      ev.HostID.String(),
			}}
		},
	}
	return o.execute(ctx, p)
}

// ScaleActor sets an actor's max instances on a host and, unless SkipWait is
// set, waits for the host to report the scale finished.
func (o *Orchestrator) ScaleActor(ctx context.Context, req ScaleActorRequest) (Output, error) {
	ref := lattice.NormalizeRef(strings.TrimSpace(req.ActorRef))
	if ref == "" {
		return Output{}, o.invalid(CommandScaleActor, ref, "missing actor_ref")
	}
	count := req.MaxInstances

	p := plan{
		command:        CommandScaleActor,
		ref:            ref,
		hostHint:       strings.TrimSpace(req.HostHint),
		skipWait:       req.SkipWait,
		waitTimeout:    o.settings.waitTimeout(req.Timeout, o.settings.ScaleActorTimeout),
		auctionTimeout: o.settings.auctionTimeout(req.AuctionTimeout),
		successKind:    lattice.EventActorScaled,
		failureKind:    lattice.EventActorScaleFailed,
		auction: func(ctx context.Context, timeout time.Duration) ([]lattice.Bid, error) {
			return o.client.ActorAuction(ctx, ref, req.Constraints, timeout)
		},
		dispatch: func(ctx context.Context, host lattice.HostID) (lattice.Ack, error) {
			return o.client.ScaleActor(ctx, lattice.ScaleActorCommand{
				HostID:       host,
				ActorRef:     ref,
				MaxInstances: count,
				Annotations:  req.Annotations,
			})
		},
		received: func(host lattice.HostID) Output {
			text := fmt.Sprintf("Request to scale actor %s to %d max concurrent instances on %s received", ref, count, host)
			return Output{Text: text, Fields: map[string]any{
				"result":        text,
				"actor_ref":     ref,
				"max_instances": count,
				"host_id":       host.String(),
			}}
		},
		confirmed: func(host lattice.HostID, ev lattice.Event) Output {
			actorID := ev.ActorID
			if actorID == "" {
				actorID = "<unknown>"
			}
			text := fmt.Sprintf("Actor [%s] (ref: [%s]) scaled to %d max concurrent instances on host [%s]", actorID, ev.ArtifactRef, count, ev.HostID)
			return Output{Text: text, Fields: map[string]any{
				"result":        text,
				"actor_ref":     ev.ArtifactRef,
				"actor_id":      ev.ActorID,
				"max_instances": count,
				"host_id":       ev.HostID.String(),
			}}
		},
	}
	return o.execute(ctx, p)
}

func (o *Orchestrator) execute(ctx context.Context, p plan) (Output, error) {
	ctx, span := o.tracer.Start(ctx, string(p.command), trace.WithAttributes(
		attribute.String("lattice.artifact_ref", p.ref),
		attribute.Bool("lattice.skip_wait", p.skipWait),
	))
	defer span.End()

	r := &run{orch: o, plan: p, span: span, state: StateResolvingHost}
	return r.execute(ctx)
}

func (o *Orchestrator) invalid(cmd Command, ref, reason string) error {
	observability.RecordCommand(string(cmd), "invalid", 0)
	return &CommandError{
		Command: cmd,
		Ref:     ref,
		State:   StateResolvingHost,
		Err:     fmt.Errorf("%w: %s", ErrInvalidRequest, reason),
	}
}

// ReadConfigJSON loads a provider configuration file and checks it is valid JSON.
func ReadConfigJSON(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("%w: reading provider configuration: %w", ErrInvalidRequest, err)
	}
	if !json.Valid(data) {
		return "", fmt.Errorf("%w: configuration path provided but was invalid JSON: %s", ErrInvalidRequest, path)
	}
	return string(data), nil
}
