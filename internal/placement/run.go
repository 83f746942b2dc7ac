package placement

import (
	"context"
	"fmt"
	"time"

	"github.com/danmuck/latticectl/internal/lattice"
	"github.com/danmuck/latticectl/internal/observability"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// State is one step of a command run.
type State int

const (
	StateResolvingHost State = iota
	StateDispatching
	StateAwaitingAck
	StateAwaitingConfirmation
	StateDone
)

func (s State) String() string {
	switch s {
	case StateResolvingHost:
		return "resolving_host"
	case StateDispatching:
		return "dispatching"
	case StateAwaitingAck:
		return "awaiting_ack"
	case StateAwaitingConfirmation:
		return "awaiting_confirmation"
	case StateDone:
		return "done"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Command names a lifecycle command kind.
type Command string

const (
	CommandStartProvider Command = "start_provider"
	CommandScaleActor    Command = "scale_actor"
)

// plan is the command-specific part of a run; the state machine itself is shared.
type plan struct {
	command        Command
	ref            string
	hostHint       string
	skipWait       bool
	waitTimeout    time.Duration
	auctionTimeout time.Duration
	successKind    string
	failureKind    string

	auction   func(ctx context.Context, timeout time.Duration) ([]lattice.Bid, error)
	dispatch  func(ctx context.Context, host lattice.HostID) (lattice.Ack, error)
	received  func(host lattice.HostID) Output
	confirmed func(host lattice.HostID, ev lattice.Event) Output
}

// run holds the mutable state of one command from resolution to Done.
type run struct {
	orch  *Orchestrator
	plan  plan
	span  trace.Span
	state State

	host   lattice.HostID
	wait   *waitHandle
	ack    lattice.Ack
	output Output
	err    error
}

// execute drives the run to StateDone and returns its result.
func (r *run) execute(ctx context.Context) (Output, error) {
	started := time.Now()
	defer func() { r.wait.Close() }()

	for r.state != StateDone {
		from := r.state
		r.state = r.step(ctx)
		r.transition(from, r.state)
	}

	observability.RecordCommand(string(r.plan.command), outcomeLabel(r.err), time.Since(started))
	if r.err != nil {
		r.span.RecordError(r.err)
		r.span.SetStatus(codes.Error, r.err.Error())
		log.Debug().Msgf("placement.run failed command=%s ref=%q host_id=%q err=%v", r.plan.command, r.plan.ref, r.host, r.err)
		return Output{}, r.err
	}
	log.Debug().Msgf("placement.run done command=%s ref=%q host_id=%q", r.plan.command, r.plan.ref, r.host)
	return r.output, nil
}

func (r *run) step(ctx context.Context) State {
	switch r.state {
	case StateResolvingHost:
		return r.resolveHost(ctx)
	case StateDispatching:
		return r.dispatch(ctx)
	case StateAwaitingAck:
		return r.checkAck()
	case StateAwaitingConfirmation:
		return r.awaitConfirmation(ctx)
	default:
		return r.fail(fmt.Errorf("placement: unexpected state %s", r.state))
	}
}

func (r *run) resolveHost(ctx context.Context) State {
	if r.plan.hostHint != "" {
		host, err := lattice.ResolveHost(ctx, r.orch.client, r.plan.hostHint)
		if err != nil {
			return r.fail(err)
		}
		r.host = host
		return StateDispatching
	}

	bids, err := r.plan.auction(ctx, r.plan.auctionTimeout)
	if err != nil {
		return r.fail(fmt.Errorf("%w: %w", ErrAuction, err))
	}
	observability.RecordAuction(string(r.plan.command), len(bids))
	if len(bids) == 0 {
		return r.fail(ErrNoSuitableHosts)
	}
	r.host = bids[0].HostID
	return StateDispatching
}

func (r *run) dispatch(ctx context.Context) State {
	r.span.SetAttributes(attribute.String("lattice.host_id", r.host.String()))
	if !r.plan.skipWait {
		handle, err := prepareWait(ctx, r.orch.client, r.plan.successKind, r.plan.failureKind)
		if err != nil {
			return r.fail(err)
		}
		r.wait = handle
	}

	ack, err := r.plan.dispatch(ctx, r.host)
	if err != nil {
		return r.fail(fmt.Errorf("%w: %w", ErrDispatch, err))
	}
	r.ack = ack
	return StateAwaitingAck
}

func (r *run) checkAck() State {
	if !r.ack.Accepted {
		return r.fail(fmt.Errorf("%w: %s", ErrRejected, r.ack.Error))
	}
	if r.plan.skipWait {
		r.output = r.plan.received(r.host)
		return StateDone
	}
	return StateAwaitingConfirmation
}

func (r *run) awaitConfirmation(ctx context.Context) State {
	ev, err := r.wait.await(ctx, r.host, r.plan.ref, r.plan.waitTimeout)
	if err != nil {
		return r.fail(err)
	}
	r.output = r.plan.confirmed(r.host, ev)
	return StateDone
}

func (r *run) fail(err error) State {
	r.err = &CommandError{
		Command: r.plan.command,
		Ref:     r.plan.ref,
		HostID:  r.host,
		State:   r.state,
		Err:     err,
	}
	return StateDone
}

func (r *run) transition(from, to State) {
	r.span.AddEvent("transition", trace.WithAttributes(
		attribute.String("from", from.String()),
		attribute.String("to", to.String()),
	))
	log.Trace().Msgf("placement.run transition command=%s from=%s to=%s", r.plan.command, from, to)
	if r.orch.onTransition != nil {
		r.orch.onTransition(r.plan.command, from, to)
	}
}
