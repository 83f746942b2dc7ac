package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/latticectl/internal/hostctl"
	"github.com/danmuck/latticectl/internal/lattice"
	"github.com/danmuck/latticectl/internal/lattice/memlattice"
	"github.com/danmuck/latticectl/internal/placement"
)

const DefaultPath = "latticectl.toml"

var ErrInvalid = errors.New("config: invalid")

// SimHost is one [[sim.hosts]] entry.
type SimHost struct {
	ID           string            `toml:"id,omitempty"`
	FriendlyName string            `toml:"friendly_name"`
	Labels       map[string]string `toml:"labels,omitempty"`
	FailRefs     []string          `toml:"fail_refs,omitempty"`
	Reject       string            `toml:"reject,omitempty"`
}

// SimConfig drives the in-process lattice served by `latticectl sim`.
type SimConfig struct {
	EventDelayMS int64     `toml:"event_delay_ms"`
	Hosts        []SimHost `toml:"hosts"`
}

// Config is the latticectl.toml shape. Durations are milliseconds. An empty
// log_level keeps the logger default; LATTICECTL_LOG_LEVEL wins over it. An
// empty auth_token leaves the endpoints open.
type Config struct {
	CtlAddr                string    `toml:"ctl_addr"`
	EventsAddr             string    `toml:"events_addr"`
	TimeoutMS              int64     `toml:"timeout_ms"`
	AuctionTimeoutMS       int64     `toml:"auction_timeout_ms"`
	StartProviderTimeoutMS int64     `toml:"start_provider_timeout_ms"`
	ScaleActorTimeoutMS    int64     `toml:"scale_actor_timeout_ms"`
	HostCacheTTLMS         int64     `toml:"host_cache_ttl_ms"`
	AuthToken              string    `toml:"auth_token"`
	LogLevel               string    `toml:"log_level"`
	Sim                    SimConfig `toml:"sim"`
}

func Default() Config {
	return Config{
		CtlAddr:                "127.0.0.1:7400",
		EventsAddr:             "127.0.0.1:7401",
		TimeoutMS:              placement.DefaultTimeout.Milliseconds(),
		AuctionTimeoutMS:       placement.DefaultAuctionTimeout.Milliseconds(),
		StartProviderTimeoutMS: placement.DefaultStartProviderTimeout.Milliseconds(),
		ScaleActorTimeoutMS:    placement.DefaultScaleActorTimeout.Milliseconds(),
		HostCacheTTLMS:         hostctl.DefaultHostCacheTTL.Milliseconds(),
		Sim: SimConfig{
			EventDelayMS: 50,
			Hosts: []SimHost{
				{FriendlyName: "local-host", Labels: map[string]string{"hostcore.os": "linux"}},
			},
		},
	}
}

// Load decodes path over Default; keys absent from the file keep their defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	var raw Config
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load latticectl config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return Config{}, fmt.Errorf("%w: unknown keys %s", ErrInvalid, strings.Join(keys, ", "))
	}

	if meta.IsDefined("ctl_addr") {
		cfg.CtlAddr = strings.TrimSpace(raw.CtlAddr)
	}
	if meta.IsDefined("events_addr") {
		cfg.EventsAddr = strings.TrimSpace(raw.EventsAddr)
	}
	if meta.IsDefined("timeout_ms") {
		cfg.TimeoutMS = raw.TimeoutMS
	}
	if meta.IsDefined("auction_timeout_ms") {
		cfg.AuctionTimeoutMS = raw.AuctionTimeoutMS
	}
	if meta.IsDefined("start_provider_timeout_ms") {
		cfg.StartProviderTimeoutMS = raw.StartProviderTimeoutMS
	}
	if meta.IsDefined("scale_actor_timeout_ms") {
		cfg.ScaleActorTimeoutMS = raw.ScaleActorTimeoutMS
	}
	if meta.IsDefined("host_cache_ttl_ms") {
		cfg.HostCacheTTLMS = raw.HostCacheTTLMS
	}
	if meta.IsDefined("auth_token") {
		cfg.AuthToken = strings.TrimSpace(raw.AuthToken)
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("sim", "event_delay_ms") {
		cfg.Sim.EventDelayMS = raw.Sim.EventDelayMS
	}
	if meta.IsDefined("sim", "hosts") {
		cfg.Sim.Hosts = raw.Sim.Hosts
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks every key; errors name the offending key.
func (c Config) Validate() error {
	if strings.TrimSpace(c.CtlAddr) == "" {
		return fmt.Errorf("%w: ctl_addr is required", ErrInvalid)
	}
	if strings.TrimSpace(c.EventsAddr) == "" {
		return fmt.Errorf("%w: events_addr is required", ErrInvalid)
	}
	positive := []struct {
		key string
		val int64
	}{
		{"timeout_ms", c.TimeoutMS},
		{"auction_timeout_ms", c.AuctionTimeoutMS},
		{"start_provider_timeout_ms", c.StartProviderTimeoutMS},
		{"scale_actor_timeout_ms", c.ScaleActorTimeoutMS},
	}
	for _, p := range positive {
		if p.val <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %d", ErrInvalid, p.key, p.val)
		}
	}
	if c.Sim.EventDelayMS < 0 {
		return fmt.Errorf("%w: sim.event_delay_ms must not be negative", ErrInvalid)
	}

	seen := make(map[string]int, len(c.Sim.Hosts))
	for i, h := range c.Sim.Hosts {
		id := strings.TrimSpace(h.ID)
		if id != "" {
			if prev, dup := seen[id]; dup {
				return fmt.Errorf("%w: sim.hosts[%d].id %q duplicates sim.hosts[%d]", ErrInvalid, i, id, prev)
			}
			seen[id] = i
		}
		for k := range h.Labels {
			if strings.TrimSpace(k) == "" {
				return fmt.Errorf("%w: sim.hosts[%d].labels has an empty key", ErrInvalid, i)
			}
		}
	}
	return nil
}

// Settings maps the timeout keys onto the orchestrator.
func (c Config) Settings() placement.Settings {
	return placement.Settings{
		AuctionTimeout:       millis(c.AuctionTimeoutMS),
		StartProviderTimeout: millis(c.StartProviderTimeoutMS),
		ScaleActorTimeout:    millis(c.ScaleActorTimeoutMS),
	}
}

// ClientConfig maps the address and cache keys onto the transport client.
// A zero host_cache_ttl_ms disables the host cache.
func (c Config) ClientConfig() hostctl.ClientConfig {
	ttl := millis(c.HostCacheTTLMS)
	if c.HostCacheTTLMS <= 0 {
		ttl = -1
	}
	return hostctl.ClientConfig{
		CtlAddr:      c.CtlAddr,
		EventsAddr:   c.EventsAddr,
		Timeout:      millis(c.TimeoutMS),
		HostCacheTTL: ttl,
		Token:        c.AuthToken,
	}
}

// SimHosts converts the [sim] table into simulated host specs.
func (c Config) SimHosts() []memlattice.HostSpec {
	out := make([]memlattice.HostSpec, 0, len(c.Sim.Hosts))
	for _, h := range c.Sim.Hosts {
		failRefs := make([]string, 0, len(h.FailRefs))
		for _, ref := range h.FailRefs {
			failRefs = append(failRefs, lattice.NormalizeRef(strings.TrimSpace(ref)))
		}
		out = append(out, memlattice.HostSpec{
			ID:           lattice.HostID(strings.TrimSpace(h.ID)),
			FriendlyName: strings.TrimSpace(h.FriendlyName),
			Labels:       h.Labels,
			FailRefs:     failRefs,
			Reject:       h.Reject,
		})
	}
	return out
}

func (c Config) SimOptions() memlattice.Options {
	return memlattice.Options{EventDelay: millis(c.Sim.EventDelayMS)}
}

func millis(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
