// Package config holds the configuration objects for both roles. Defaults
// come from DefaultX constructors, an optional .env file and CCBENCH_*
// environment variables override them, and CLI flags override both.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment variable read by LoadEnv.
const EnvPrefix = "CCBENCH_"

// PacingConfig holds the delays between trial steps.
type PacingConfig struct {
	PostReady  time.Duration // requester: after ready, before the transfer starts
	InterTrial time.Duration // between trials, including skipped ones
	InterCycle time.Duration // after each full cycle
	Drain      time.Duration // coordinator: after the transfer exits, before capture stops
	MaxCycles  int           // 0 runs until interrupted
}

// DefaultPacingConfig returns the experiment pacing.
func DefaultPacingConfig() PacingConfig {
	return PacingConfig{
		PostReady:  5 * time.Second,
		InterTrial: 10 * time.Second,
		InterCycle: 2 * time.Second,
		Drain:      5 * time.Second,
	}
}

// CaptureConfig holds packet-capture and privilege settings.
type CaptureConfig struct {
	Tool      string
	Interface string
	SnapLen   int
	Settle    time.Duration
	NameSweep bool   // also signal every process named Tool on teardown
	Privilege string // auto, sudo or none
	Disabled  bool
}

// DefaultCaptureConfig returns tcpdump on eno1.
func DefaultCaptureConfig() CaptureConfig {
	return CaptureConfig{
		Tool:      "tcpdump",
		Interface: "eno1",
		SnapLen:   100,
		Settle:    1 * time.Second,
		NameSweep: true,
		Privilege: "auto",
	}
}

// TransferConfig describes one external transfer binary.
type TransferConfig struct {
	Binary       string
	ExtraArgs    []string
	WorkDir      string
	PerfLog      bool
	StopTimeout  time.Duration
	RunAsInvoker bool // when root via sudo, drop to SUDO_USER
}

// DefaultSenderConfig returns the coordinator-side sender binary.
func DefaultSenderConfig() TransferConfig {
	return TransferConfig{
		Binary:       "./src/build/bin/new_server_sender_nocomm",
		ExtraArgs:    []string{"--pyhelper=./python/infer.py", "--model=./models/py-model1/"},
		WorkDir:      ".",
		PerfLog:      true,
		StopTimeout:  5 * time.Second,
		RunAsInvoker: true,
	}
}

// DefaultReceiverConfig returns the requester-side receiver binary.
func DefaultReceiverConfig() TransferConfig {
	return TransferConfig{
		Binary:      "./src/build/bin/new_client_receiver_nocomm",
		WorkDir:     ".",
		PerfLog:     true,
		StopTimeout: 5 * time.Second,
	}
}

// StoreConfig locates the trial database.
type StoreConfig struct {
	Dir     string // empty disables the store
	KeyFile string // empty stores unencrypted
}

// CoordinatorConfig configures `ccbench coordinator`.
type CoordinatorConfig struct {
	ListenAddr string
	DataPort   int
	SizeAware  bool
	OutputDir  string
	StatusAddr string // empty disables the status endpoint
	Plan       string // nocomm cycle plan
	Capture    CaptureConfig
	Sender     TransferConfig
	Pacing     PacingConfig
	Store      StoreConfig
}

// DefaultCoordinatorConfig returns coordination port 8889 and data port 8888.
func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		ListenAddr: ":8889",
		DataPort:   8888,
		SizeAware:  true,
		OutputDir:  ".",
		Capture:    DefaultCaptureConfig(),
		Sender:     DefaultSenderConfig(),
		Pacing:     DefaultPacingConfig(),
	}
}

// RequesterConfig configures `ccbench requester`.
type RequesterConfig struct {
	ServerHost string
	CoordPort  int
	DataPort   int
	Plan       string
	Algorithms []string // overrides the plan's server algorithms
	SizesKB    []int64  // overrides the plan's sizes
	ClientAlg  string   // overrides the plan's receiver algorithm
	OutputDir  string
	LogFile    string // CSV request log; empty derives a timestamped name
	Receiver   TransferConfig
	Pacing     PacingConfig
	Store      StoreConfig
}

// DefaultRequesterConfig returns the requester defaults.
func DefaultRequesterConfig() RequesterConfig {
	return RequesterConfig{
		ServerHost: "127.0.0.1",
		CoordPort:  8889,
		DataPort:   8888,
		OutputDir:  ".",
		Receiver:   DefaultReceiverConfig(),
		Pacing:     DefaultPacingConfig(),
	}
}

// Config is the full configuration.
type Config struct {
	Coordinator CoordinatorConfig
	Requester   RequesterConfig
	LogFile     string
	Debug       bool
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Coordinator: DefaultCoordinatorConfig(),
		Requester:   DefaultRequesterConfig(),
	}
}

// LoadEnv loads path (if it exists) into the environment without overriding
// variables already set, then applies CCBENCH_* variables over the defaults.
// An empty path skips the file.
func LoadEnv(path string) (Config, error) {
	if path != "" {
		if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("failed to load %s: %w", path, err)
		}
	}
	cfg := Default()
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	e := &envReader{}

	c.LogFile = e.str("LOG_FILE", c.LogFile)
	c.Debug = e.boolean("DEBUG", c.Debug)

	co := &c.Coordinator
	co.ListenAddr = e.str("LISTEN_ADDR", co.ListenAddr)
	co.DataPort = e.integer("DATA_PORT", co.DataPort)
	co.SizeAware = e.boolean("SIZE_AWARE", co.SizeAware)
	co.OutputDir = e.str("OUTPUT_DIR", co.OutputDir)
	co.StatusAddr = e.str("STATUS_ADDR", co.StatusAddr)
	co.Plan = e.str("PLAN", co.Plan)
	co.Capture.Tool = e.str("CAPTURE_TOOL", co.Capture.Tool)
	co.Capture.Interface = e.str("INTERFACE", co.Capture.Interface)
	co.Capture.SnapLen = e.integer("SNAPLEN", co.Capture.SnapLen)
	co.Capture.Settle = e.duration("CAPTURE_SETTLE", co.Capture.Settle)
	co.Capture.NameSweep = e.boolean("NAME_SWEEP", co.Capture.NameSweep)
	co.Capture.Privilege = e.str("PRIVILEGE", co.Capture.Privilege)
	co.Capture.Disabled = e.boolean("CAPTURE_DISABLED", co.Capture.Disabled)
	co.Sender.Binary = e.str("SENDER_BINARY", co.Sender.Binary)
	co.Sender.ExtraArgs = e.list("SENDER_ARGS", co.Sender.ExtraArgs)
	co.Sender.WorkDir = e.str("SENDER_WORKDIR", co.Sender.WorkDir)
	co.Sender.RunAsInvoker = e.boolean("RUN_AS_INVOKER", co.Sender.RunAsInvoker)
	co.Sender.StopTimeout = e.duration("STOP_TIMEOUT", co.Sender.StopTimeout)
	co.Store = c.storeFromEnv(e, co.Store)

	rq := &c.Requester
	rq.ServerHost = e.str("SERVER_HOST", rq.ServerHost)
	rq.CoordPort = e.integer("COORD_PORT", rq.CoordPort)
	rq.DataPort = e.integer("DATA_PORT", rq.DataPort)
	rq.Plan = e.str("PLAN", rq.Plan)
	rq.Algorithms = e.list("ALGORITHMS", rq.Algorithms)
	rq.SizesKB = e.int64s("SIZES_KB", rq.SizesKB)
	rq.ClientAlg = e.str("CLIENT_ALGORITHM", rq.ClientAlg)
	rq.OutputDir = e.str("OUTPUT_DIR", rq.OutputDir)
	rq.LogFile = e.str("REQUEST_LOG", rq.LogFile)
	rq.Receiver.Binary = e.str("RECEIVER_BINARY", rq.Receiver.Binary)
	rq.Receiver.ExtraArgs = e.list("RECEIVER_ARGS", rq.Receiver.ExtraArgs)
	rq.Receiver.WorkDir = e.str("RECEIVER_WORKDIR", rq.Receiver.WorkDir)
	rq.Receiver.StopTimeout = e.duration("STOP_TIMEOUT", rq.Receiver.StopTimeout)
	rq.Store = c.storeFromEnv(e, rq.Store)

	for _, p := range []*PacingConfig{&co.Pacing, &rq.Pacing} {
		p.PostReady = e.duration("POST_READY_DELAY", p.PostReady)
		p.InterTrial = e.duration("INTER_TRIAL_DELAY", p.InterTrial)
		p.InterCycle = e.duration("INTER_CYCLE_DELAY", p.InterCycle)
		p.Drain = e.duration("DRAIN_DELAY", p.Drain)
		p.MaxCycles = e.integer("MAX_CYCLES", p.MaxCycles)
	}

	return errors.Join(e.errs...)
}

func (c *Config) storeFromEnv(e *envReader, s StoreConfig) StoreConfig {
	s.Dir = e.str("STORE_DIR", s.Dir)
	s.KeyFile = e.str("STORE_KEY_FILE", s.KeyFile)
	return s
}

// envReader reads prefixed variables, collecting parse errors.
type envReader struct {
	errs []error
}

func (e *envReader) lookup(key string) (string, bool) {
	return os.LookupEnv(EnvPrefix + key)
}

func (e *envReader) str(key, fallback string) string {
	if v, ok := e.lookup(key); ok {
		return v
	}
	return fallback
}

func (e *envReader) integer(key string, fallback int) int {
	v, ok := e.lookup(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
		return fallback
	}
	return n
}

func (e *envReader) boolean(key string, fallback bool) bool {
	v, ok := e.lookup(key)
	if !ok {
		return fallback
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
		return fallback
	}
	return b
}

func (e *envReader) duration(key string, fallback time.Duration) time.Duration {
	v, ok := e.lookup(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
		return fallback
	}
	return d
}

// list splits on commas; an empty value yields an empty list.
func (e *envReader) list(key string, fallback []string) []string {
	v, ok := e.lookup(key)
	if !ok {
		return fallback
	}
	return SplitList(v)
}

func (e *envReader) int64s(key string, fallback []int64) []int64 {
	v, ok := e.lookup(key)
	if !ok {
		return fallback
	}
	out, err := ParseInt64List(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
		return fallback
	}
	return out
}

// SplitList splits a comma-separated value, dropping empty items.
func SplitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ParseInt64List parses a comma-separated list of integers.
func ParseInt64List(v string) ([]int64, error) {
	var out []int64
	for _, part := range SplitList(v) {
		n, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid integer %q: %w", part, err)
		}
		out = append(out, n)
	}
	return out, nil
}
