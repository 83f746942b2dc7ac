package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/latticectl/internal/hostctl"
	"github.com/danmuck/latticectl/internal/lattice/memlattice"
	"github.com/danmuck/latticectl/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

type simLattice struct {
	ctlAddr    string
	eventsAddr string
	lattice    *memlattice.Lattice
}

func startSim(t *testing.T, hosts ...memlattice.HostSpec) simLattice {
	t.Helper()
	l := memlattice.New(memlattice.Options{EventDelay: 5 * time.Millisecond}, hosts...)
	ctl, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	events, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := hostctl.NewServer(l)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ctl, events) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
		l.Close()
	})
	return simLattice{ctlAddr: ctl.Addr().String(), eventsAddr: events.Addr().String(), lattice: l}
}

func (s simLattice) run(t *testing.T, args ...string) (string, string, int) {
	t.Helper()
	full := append([]string{"--ctl-addr", s.ctlAddr, "--events-addr", s.eventsAddr}, args...)
	return runCLI(t, full...)
}

func runCLI(t *testing.T, args ...string) (string, string, int) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := execute(context.Background(), args, &stdout, &stderr)
	return stdout.String(), stderr.String(), code
}

func decodeJSON(t *testing.T, raw string) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(raw), &out), raw)
	return out
}

func defaultHosts() []memlattice.HostSpec {
	return []memlattice.HostSpec{
		{ID: "host-west", FriendlyName: "edge-west", Labels: map[string]string{"region": "us-west"}},
		{ID: "host-east", FriendlyName: "edge-east", Labels: map[string]string{"region": "us-east"}, FailRefs: []string{"ghcr.io/acme/broken:1.0"}},
	}
}

func TestStartProviderJSONOutput(t *testing.T) {
	testlog.Start(t)
	sim := startSim(t, defaultHosts()...)

	stdout, stderr, code := sim.run(t, "-o", "json", "start", "provider", "ghcr.io/acme/httpserver:0.19.1", "-c", "region=us-east")
	require.Zero(t, code, stderr)
	out := decodeJSON(t, stdout)
	require.Equal(t, true, out["success"])
	require.Equal(t, "host-east", out["host_id"])
	require.Equal(t, "default", out["link_name"])
	require.Equal(t, "wasmcloud:httpserver", out["contract_id"])
	require.NotEmpty(t, out["provider_id"])
}

func TestStartProviderTextOutputWithHostHintAndConfig(t *testing.T) {
	testlog.Start(t)
	sim := startSim(t, defaultHosts()...)
	cfgPath := filepath.Join(t.TempDir(), "kv.json")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`{"bucket":"default"}`), 0o644))

	stdout, stderr, code := sim.run(t, "start", "provider", "/opt/providers/kv.par",
		"--host-id", "west", "--link-name", "backup", "--config-json", cfgPath)
	require.Zero(t, code, stderr)
	require.Contains(t, stdout, "(ref: [file:///opt/providers/kv.par]) started on host [host-west]")
}

func TestStartProviderFailures(t *testing.T) {
	testlog.Start(t)
	sim := startSim(t, defaultHosts()...)

	_, stderr, code := sim.run(t, "start", "provider", "ghcr.io/acme/httpserver:0.19.1", "-c", "region=mars")
	require.Equal(t, 1, code)
	require.Contains(t, stderr, "no suitable hosts")
	require.Zero(t, sim.lattice.DispatchCount())

	_, stderr, code = sim.run(t, "start", "provider", "ghcr.io/acme/broken:1.0", "--host-id", "host-east")
	require.Equal(t, 1, code)
	require.Contains(t, stderr, "failed to start provider ghcr.io/acme/broken:1.0")

	stdout, _, code := sim.run(t, "-o", "json", "start", "provider", "ghcr.io/acme/httpserver:0.19.1", "--host-id", "edge")
	require.Equal(t, 1, code)
	out := decodeJSON(t, stdout)
	require.Equal(t, false, out["success"])
	require.Contains(t, out["error"], "edge-west (host-west)")

	_, stderr, code = sim.run(t, "start", "provider", "x:1", "-c", "novalue")
	require.Equal(t, 1, code)
	require.Contains(t, stderr, "expected key=value")
}

func TestScaleActorCommands(t *testing.T) {
	testlog.Start(t)
	sim := startSim(t, defaultHosts()...)

	stdout, stderr, code := sim.run(t, "scale", "actor", "edge-west", "ghcr.io/acme/echo:0.3", "--max-instances", "3", "-a", "deployment=canary")
	require.Zero(t, code, stderr)
	require.Contains(t, stdout, "scaled to 3 max concurrent instances on host [host-west]")
	n, ok := sim.lattice.ActorInstances("host-west", "ghcr.io/acme/echo:0.3")
	require.True(t, ok)
	require.Equal(t, uint32(3), n)

	stdout, stderr, code = sim.run(t, "-o", "json", "scale", "actor", "ghcr.io/acme/kv:1.0", "-c", "region=us-east", "--skip-wait")
	require.Zero(t, code, stderr)
	out := decodeJSON(t, stdout)
	require.Equal(t, "host-east", out["host_id"])
	require.Equal(t, float64(4294967295), out["max_instances"])
	require.NotContains(t, out, "actor_id")
}

func TestLinkCommands(t *testing.T) {
	testlog.Start(t)
	sim := startSim(t, defaultHosts()...)

	stdout, stderr, code := sim.run(t, "link", "put", "http-component", "kv-provider", "wasi", "keyvalue", "--interface", "store", "--interface", "atomics")
	require.Zero(t, code, stderr)
	require.Contains(t, stdout, "Published link (http-component) <-> (kv-provider) successfully")

	_, stderr, code = sim.run(t, "link", "put", "http-component", "other-provider", "wasi", "keyvalue", "--interface", "atomics")
	require.Equal(t, 1, code)
	require.Contains(t, stderr, "disjoint interfaces")

	stdout, stderr, code = sim.run(t, "-o", "json", "link", "query")
	require.Zero(t, code, stderr)
	out := decodeJSON(t, stdout)
	stored, ok := out["links"].([]any)
	require.True(t, ok)
	require.Len(t, stored, 1)

	stdout, _, code = sim.run(t, "link", "del", "http-component", "wasi", "keyvalue")
	require.Zero(t, code)
	require.Contains(t, stdout, "Deleted link")
	stdout, _, code = sim.run(t, "link", "del", "http-component", "wasi", "keyvalue")
	require.Zero(t, code)
	require.Contains(t, stdout, "No link stored")

	stdout, _, code = sim.run(t, "link", "query")
	require.Zero(t, code)
	require.Contains(t, stdout, "No links found")
}

func TestGetHosts(t *testing.T) {
	testlog.Start(t)
	sim := startSim(t, defaultHosts()...)

	stdout, stderr, code := sim.run(t, "get", "hosts")
	require.Zero(t, code, stderr)
	require.Contains(t, stdout, "HOST ID")
	require.Contains(t, stdout, "edge-east")
	require.Contains(t, stdout, "region=us-west")
}

func TestConfigFileAndCommands(t *testing.T) {
	testlog.Start(t)
	sim := startSim(t, defaultHosts()...)
	dir := t.TempDir()
	path := filepath.Join(dir, "latticectl.toml")

	stdout, stderr, code := runCLI(t, "config", "init", path)
	require.Zero(t, code, stderr)
	require.Contains(t, stdout, "Wrote config template")
	_, stderr, code = runCLI(t, "config", "init", path)
	require.Equal(t, 1, code)
	require.Contains(t, stderr, "config already exists")

	content := "ctl_addr = \"" + sim.ctlAddr + "\"\nevents_addr = \"" + sim.eventsAddr + "\"\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	stdout, stderr, code = runCLI(t, "config", "validate", path)
	require.Zero(t, code, stderr)
	require.Contains(t, stdout, "Validated config")

	stdout, stderr, code = runCLI(t, "--config", path, "get", "hosts")
	require.Zero(t, code, stderr)
	require.Contains(t, stdout, "edge-west")

	require.NoError(t, os.WriteFile(path, []byte("timeout_ms = -1\n"), 0o644))
	_, stderr, code = runCLI(t, "--config", path, "get", "hosts")
	require.Equal(t, 1, code)
	require.Contains(t, stderr, "timeout_ms must be positive")
}

func TestRejectsBadGlobalFlags(t *testing.T) {
	testlog.Start(t)

	_, stderr, code := runCLI(t, "-o", "yaml", "get", "hosts")
	require.Equal(t, 1, code)
	require.Contains(t, stderr, "unknown output format")

	_, stderr, code = runCLI(t, "--timeout-ms", "0", "get", "hosts")
	require.Equal(t, 1, code)
	require.Contains(t, stderr, "--timeout-ms must be positive")
}

var (
	simAddrPattern     = regexp.MustCompile(`listening ctl=(\S+) events=(\S+)`)
	metricsAddrPattern = regexp.MustCompile(`metrics on http://(\S+)/metrics`)
)

// syncBuffer collects output written by a command running on another goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestSimServesConfiguredLatticeWithTokenAndMetrics(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	simPath := filepath.Join(dir, "sim.toml")
	require.NoError(t, os.WriteFile(simPath, []byte(`ctl_addr = "127.0.0.1:0"
events_addr = "127.0.0.1:0"
auth_token = "s3cret"

[sim]
event_delay_ms = 5

[[sim.hosts]]
id = "host-sim"
friendly_name = "edge-sim"
labels = { region = "lab" }
`), 0o644))
	clientPath := filepath.Join(dir, "client.toml")
	require.NoError(t, os.WriteFile(clientPath, []byte("auth_token = \"s3cret\"\n"), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var simOut, simErr syncBuffer
	exited := make(chan int, 1)
	go func() {
		exited <- execute(ctx, []string{"--config", simPath, "sim", "--metrics-addr", "127.0.0.1:0"}, &simOut, &simErr)
	}()

	var ctlAddr, eventsAddr, metricsAddr string
	require.Eventually(t, func() bool {
		text := simOut.String()
		addrs := simAddrPattern.FindStringSubmatch(text)
		metrics := metricsAddrPattern.FindStringSubmatch(text)
		if addrs == nil || metrics == nil {
			return false
		}
		ctlAddr, eventsAddr, metricsAddr = addrs[1], addrs[2], metrics[1]
		return true
	}, 2*time.Second, 10*time.Millisecond, "sim never reported its addresses: %s", simErr.String())
	require.Contains(t, simOut.String(), "Simulated lattice with 1 hosts")

	endpoints := []string{"--ctl-addr", ctlAddr, "--events-addr", eventsAddr}
	_, stderr, code := runCLI(t, append(endpoints, "get", "hosts")...)
	require.Equal(t, 1, code)
	require.Contains(t, stderr, "unauthorized")

	args := append([]string{"--config", clientPath, "-o", "json"}, endpoints...)
	stdout, stderr, code := runCLI(t, append(args, "start", "provider", "ghcr.io/acme/httpserver:0.19.1", "-c", "region=lab")...)
	require.Zero(t, code, stderr)
	out := decodeJSON(t, stdout)
	require.Equal(t, "host-sim", out["host_id"])
	require.NotEmpty(t, out["provider_id"])

	client := http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get("http://" + metricsAddr + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, resp.Body.Close())
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(body), `latticectl_commands_total{command="start_provider",outcome="success"}`)
	require.Contains(t, string(body), `latticectl_hostctl_requests_total{action="hosts",ok="false"}`)
	client.CloseIdleConnections()

	cancel()
	select {
	case code := <-exited:
		require.Zero(t, code, simErr.String())
	case <-time.After(5 * time.Second):
		require.Fail(t, "sim did not exit after cancel")
	}
}
