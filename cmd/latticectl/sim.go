package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/danmuck/latticectl/internal/auth"
	"github.com/danmuck/latticectl/internal/hostctl"
	"github.com/danmuck/latticectl/internal/lattice/memlattice"
	"github.com/danmuck/latticectl/internal/observability"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
)

func (a *app) simCmd() *cobra.Command {
	var metricsAddr string
	cmd := &cobra.Command{
		Use:   "sim",
		Short: "Serve an in-process simulated lattice on the configured endpoints",
		Long: `Serve an in-process simulated lattice on ctl_addr and events_addr.

Hosts come from the [sim] table of the config file. Hosts bid on every auction
whose constraints their labels satisfy, acknowledge commands, and publish
lifecycle events after sim.event_delay_ms. Refs listed in a host's fail_refs
are acknowledged and then reported as failed. A non-empty auth_token is required
on every request.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sim := memlattice.New(a.cfg.SimOptions(), a.cfg.SimHosts()...)
			defer sim.Close()

			var metricsLn net.Listener
			if addr := strings.TrimSpace(metricsAddr); addr != "" {
				ln, err := net.Listen("tcp", addr)
				if err != nil {
					return err
				}
				metricsLn = ln
			}
			ctl, err := net.Listen("tcp", a.cfg.CtlAddr)
			if err != nil {
				return multierr.Append(err, closeListener(metricsLn))
			}
			events, err := net.Listen("tcp", a.cfg.EventsAddr)
			if err != nil {
				return multierr.Combine(err, ctl.Close(), closeListener(metricsLn))
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			metricsErr := make(chan error, 1)
			if metricsLn != nil {
				fmt.Fprintf(a.out, "Serving metrics on http://%s/metrics\n", metricsLn.Addr())
				go func() { metricsErr <- serveMetrics(ctx, metricsLn) }()
			}
			hosts, _ := sim.Hosts(ctx)
			fmt.Fprintf(a.out, "Simulated lattice with %d hosts listening ctl=%s events=%s\n", len(hosts), ctl.Addr(), events.Addr())

			srv := hostctl.NewServer(sim, hostctl.WithValidator(auth.FromToken(a.cfg.AuthToken)))
			serveErr := make(chan error, 1)
			go func() { serveErr <- srv.Serve(ctx, ctl, events) }()

			select {
			case err = <-serveErr:
				cancel()
				if metricsLn != nil {
					err = multierr.Append(err, <-metricsErr)
				}
				return err
			case err = <-metricsErr:
				cancel()
				return multierr.Append(err, <-serveErr)
			}
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address (disabled when empty)")
	return cmd
}

// serveMetrics exposes the process registry on ln until ctx is cancelled.
func serveMetrics(ctx context.Context, ln net.Listener) error {
	observability.RegisterMetrics()
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(observability.Registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info().Msgf("latticectl.sim metrics listening addr=%q", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func closeListener(ln net.Listener) error {
	if ln == nil {
		return nil
	}
	return ln.Close()
}
