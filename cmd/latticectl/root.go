package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"os"
	"strings"
	"time"

	"github.com/danmuck/latticectl/internal/config"
	"github.com/danmuck/latticectl/internal/hostctl"
	"github.com/danmuck/latticectl/internal/logging"
	"github.com/danmuck/latticectl/internal/placement"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const (
	outputText = "text"
	outputJSON = "json"
)

// app carries the resolved global flags and config for one invocation.
type app struct {
	out io.Writer

	configPath string
	ctlAddr    string
	eventsAddr string
	timeoutMS  int64
	output     string
	logLevel   string

	cfg config.Config
	// requestTimeout is the --timeout-ms value when given explicitly, else zero.
	requestTimeout time.Duration
}

// execute runs one latticectl invocation and returns the process exit code.
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	a := &app{out: stdout, output: outputText}
	root := a.rootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	if err := root.ExecuteContext(ctx); err != nil {
		if a.output == outputJSON {
			_ = writeJSON(stdout, map[string]any{"success": false, "error": err.Error()})
		} else {
			fmt.Fprintf(stderr, "Error: %v\n", err)
		}
		return 1
	}
	return 0
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "latticectl",
		Short:         "Control-plane client for a lattice of hosts",
		Long:          "latticectl places providers and actors on lattice hosts, waits for the hosts to confirm, and manages interface links.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load(cmd)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.configPath, "config", "", "config file (default: ./"+config.DefaultPath+" when present)")
	pf.StringVar(&a.ctlAddr, "ctl-addr", "", "lattice control endpoint address")
	pf.StringVar(&a.eventsAddr, "events-addr", "", "lattice events endpoint address")
	pf.Int64Var(&a.timeoutMS, "timeout-ms", placement.DefaultTimeout.Milliseconds(), "request timeout in milliseconds")
	pf.StringVarP(&a.output, "output", "o", outputText, "output format: text|json")
	pf.StringVar(&a.logLevel, "log-level", "", "log level override (trace|debug|info|warn|error)")

	root.AddCommand(
		a.startCmd(),
		a.scaleCmd(),
		a.linkCmd(),
		a.getCmd(),
		a.simCmd(),
		a.configCmd(),
	)
	return root
}

// load resolves config file, then flag overrides.
func (a *app) load(cmd *cobra.Command) error {
	a.output = strings.ToLower(strings.TrimSpace(a.output))
	if a.output != outputText && a.output != outputJSON {
		return fmt.Errorf("unknown output format %q (expected text or json)", a.output)
	}

	cfg := config.Default()
	path := strings.TrimSpace(a.configPath)
	if path == "" {
		if _, err := os.Stat(config.DefaultPath); err == nil {
			path = config.DefaultPath
		}
	}
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return err
		}
		cfg = loaded
		log.Debug().Msgf("latticectl.load config=%q", path)
	}

	flags := cmd.Flags()
	if flags.Changed("ctl-addr") {
		cfg.CtlAddr = strings.TrimSpace(a.ctlAddr)
	}
	if flags.Changed("events-addr") {
		cfg.EventsAddr = strings.TrimSpace(a.eventsAddr)
	}
	a.requestTimeout = 0
	if flags.Changed("timeout-ms") {
		if a.timeoutMS <= 0 {
			return fmt.Errorf("--timeout-ms must be positive, got %d", a.timeoutMS)
		}
		a.requestTimeout = time.Duration(a.timeoutMS) * time.Millisecond
	}

	level := cfg.LogLevel
	if os.Getenv(logging.EnvLogLevel) != "" {
		level = ""
	}
	if flags.Changed("log-level") {
		level = a.logLevel
	}
	if level != "" && !logging.SetLevel(level) {
		return fmt.Errorf("unknown log level %q", level)
	}

	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg
	return nil
}

func (a *app) client() *hostctl.Client {
	cc := a.cfg.ClientConfig()
	if a.requestTimeout > 0 {
		cc.Timeout = a.requestTimeout
	}
	return hostctl.NewClient(cc)
}

func (a *app) orchestrator(client *hostctl.Client) *placement.Orchestrator {
	return placement.New(client, placement.WithSettings(a.cfg.Settings()))
}

func (a *app) render(out placement.Output) error {
	if a.output == outputJSON {
		fields := maps.Clone(out.Fields)
		if fields == nil {
			fields = make(map[string]any)
		}
		fields["success"] = true
		return writeJSON(a.out, fields)
	}
	_, err := fmt.Fprintln(a.out, out.Text)
	return err
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
