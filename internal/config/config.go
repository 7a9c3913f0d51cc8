// Package config loads service settings. Sources are applied in increasing
// precedence: defaults, YAML file, .env file, environment, command-line flags.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Signature modes.
const (
	SignatureEnforce  = "enforce"
	SignatureAdvisory = "advisory"
)

// Environment variable prefix of per-endpoint webhook secrets,
// e.g. WEBHOOK_SECRET_ALCHEMY=... sets the secret of endpoint "alchemy".
const webhookSecretPrefix = "WEBHOOK_SECRET_"

// ErrInvalidConfig is wrapped by every validation error.
var ErrInvalidConfig = errors.New("invalid config")

// Config holds all service settings.
type Config struct {
	Network       string `yaml:"network"`
	HTTPAddr      string `yaml:"http_addr"`
	PostgresDSN   string `yaml:"postgres_dsn"`
	ClickHouseDSN string `yaml:"clickhouse_dsn"`
	UseMemory     bool   `yaml:"use_memory"`
	Migrate       bool   `yaml:"migrate"`

	RPC      RPCConfig      `yaml:"rpc"`
	Webhook  WebhookConfig  `yaml:"webhook"`
	Backfill BackfillConfig `yaml:"backfill"`
}

// RPCConfig configures chain access.
type RPCConfig struct {
	URL               string  `yaml:"url"`
	WSURL             string  `yaml:"ws_url"`
	RequestsPerSecond float64 `yaml:"requests_per_second"` // 0 disables the limiter
	Burst             int     `yaml:"burst"`
}

// WebhookConfig configures the push ingress.
type WebhookConfig struct {
	Secrets          map[string]string `yaml:"secrets"` // endpoint -> HMAC secret
	SignatureHeader  string            `yaml:"signature_header"`
	SignatureMode    string            `yaml:"signature_mode"`
	RateLimitWindow  time.Duration     `yaml:"rate_limit_window"`
	RateLimitCeiling int               `yaml:"rate_limit_ceiling"`
	MaxBodyBytes     int64             `yaml:"max_body_bytes"`
}

// BackfillConfig configures the pull path.
type BackfillConfig struct {
	Enabled         bool          `yaml:"enabled"`
	ChunkSize       uint64        `yaml:"chunk_size"`
	InterChunkDelay time.Duration `yaml:"inter_chunk_delay"`
	ChunkTimeout    time.Duration `yaml:"chunk_timeout"`
	LookbackHours   int           `yaml:"lookback_hours"`
	AvgBlockTime    time.Duration `yaml:"avg_block_time"`
	Interval        time.Duration `yaml:"interval"` // 0 disables the scheduler
	Secret          string        `yaml:"secret"`
	PendingLimit    int           `yaml:"pending_limit"`
	Addresses       []string      `yaml:"addresses"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		Network:  "mainnet",
		HTTPAddr: ":8080",
		RPC: RPCConfig{
			RequestsPerSecond: 10,
			Burst:             5,
		},
		Webhook: WebhookConfig{
			Secrets:          map[string]string{},
			SignatureHeader:  "X-Signature",
			SignatureMode:    SignatureEnforce,
			RateLimitWindow:  time.Minute,
			RateLimitCeiling: 120,
			MaxBodyBytes:     5 << 20,
		},
		Backfill: BackfillConfig{
			ChunkSize:       2000,
			InterChunkDelay: 200 * time.Millisecond,
			ChunkTimeout:    30 * time.Second,
			LookbackHours:   1,
			AvgBlockTime:    2 * time.Second,
			Interval:        15 * time.Minute,
			PendingLimit:    500,
		},
	}
}

// EnforceSignature reports whether signature mismatches are rejected.
func (c *Config) EnforceSignature() bool {
	return c.Webhook.SignatureMode != SignatureAdvisory
}

// Load builds the configuration for a command. The YAML path comes from the
// -config flag in args or CONFIG_FILE; the .env path from -env-file or ".env".
// Flags are registered on fs and parsed from args last.
func Load(fs *flag.FlagSet, args []string) (*Config, error) {
	envFile := scanFlag(args, "env-file")
	if envFile == "" {
		envFile = ".env"
	}
	if err := LoadEnvFile(envFile); err != nil {
		return nil, err
	}

	cfg := Default()

	path := scanFlag(args, "config")
	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	if path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.ApplyEnv(os.Environ()); err != nil {
		return nil, err
	}

	fs.String("config", path, "YAML config file")
	fs.String("env-file", envFile, ".env file")
	cfg.BindFlags(fs)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile merges a YAML file into c. ${VAR} references are expanded from
// the environment before parsing.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	return c.LoadYAML(data)
}

// LoadYAML merges YAML content into c.
func (c *Config) LoadYAML(data []byte) error {
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), c); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}
	if c.Webhook.Secrets == nil {
		c.Webhook.Secrets = map[string]string{}
	}
	return nil
}

// LoadEnvFile loads KEY=VALUE lines from path into the process environment.
// A missing file is not an error; variables already set are kept.
func LoadEnvFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read env file: %w", err)
	}

	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSpace(parts[0])
		value := strings.Trim(strings.TrimSpace(parts[1]), `"'`)

		// Don't override existing env vars
		if _, ok := os.LookupEnv(key); !ok {
			os.Setenv(key, value)
		}
	}
	return nil
}

// ApplyEnv overrides c from KEY=VALUE pairs as returned by os.Environ.
func (c *Config) ApplyEnv(environ []string) error {
	env := make(map[string]string, len(environ))
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		env[k] = v
		if strings.HasPrefix(k, webhookSecretPrefix) && v != "" {
			endpoint := strings.ToLower(strings.TrimPrefix(k, webhookSecretPrefix))
			c.Webhook.Secrets[endpoint] = v
		}
	}

	p := envParser{env: env}
	p.str("NETWORK", &c.Network)
	p.str("HTTP_ADDR", &c.HTTPAddr)
	p.str("POSTGRES_DSN", &c.PostgresDSN)
	p.str("CLICKHOUSE_DSN", &c.ClickHouseDSN)
	p.boolean("USE_MEMORY", &c.UseMemory)
	p.str("RPC_URL", &c.RPC.URL)
	p.str("WS_URL", &c.RPC.WSURL)
	p.float("RPC_REQUESTS_PER_SECOND", &c.RPC.RequestsPerSecond)
	p.str("SIGNATURE_HEADER", &c.Webhook.SignatureHeader)
	p.str("SIGNATURE_MODE", &c.Webhook.SignatureMode)
	p.duration("RATE_LIMIT_WINDOW", &c.Webhook.RateLimitWindow)
	p.integer("RATE_LIMIT_CEILING", &c.Webhook.RateLimitCeiling)
	p.boolean("BACKFILL_ENABLED", &c.Backfill.Enabled)
	p.uint("BACKFILL_CHUNK_SIZE", &c.Backfill.ChunkSize)
	p.duration("BACKFILL_INTER_CHUNK_DELAY", &c.Backfill.InterChunkDelay)
	p.duration("BACKFILL_CHUNK_TIMEOUT", &c.Backfill.ChunkTimeout)
	p.integer("BACKFILL_LOOKBACK_HOURS", &c.Backfill.LookbackHours)
	p.duration("AVG_BLOCK_TIME", &c.Backfill.AvgBlockTime)
	p.duration("BACKFILL_INTERVAL", &c.Backfill.Interval)
	p.str("BACKFILL_SECRET", &c.Backfill.Secret)
	p.integer("BACKFILL_PENDING_LIMIT", &c.Backfill.PendingLimit)
	if v, ok := env["CONTRACT_ADDRESSES"]; ok && v != "" {
		c.Backfill.Addresses = splitList(v)
	}
	return p.err
}

type envParser struct {
	env map[string]string
	err error
}

func (p *envParser) lookup(key string) (string, bool) {
	v, ok := p.env[key]
	return v, ok && v != "" && p.err == nil
}

func (p *envParser) fail(key string, err error) {
	p.err = fmt.Errorf("%w: %s: %v", ErrInvalidConfig, key, err)
}

func (p *envParser) str(key string, dst *string) {
	if v, ok := p.lookup(key); ok {
		*dst = v
	}
}

func (p *envParser) boolean(key string, dst *bool) {
	if v, ok := p.lookup(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			p.fail(key, err)
			return
		}
		*dst = b
	}
}

func (p *envParser) integer(key string, dst *int) {
	if v, ok := p.lookup(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			p.fail(key, err)
			return
		}
		*dst = n
	}
}

func (p *envParser) uint(key string, dst *uint64) {
	if v, ok := p.lookup(key); ok {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			p.fail(key, err)
			return
		}
		*dst = n
	}
}

func (p *envParser) float(key string, dst *float64) {
	if v, ok := p.lookup(key); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			p.fail(key, err)
			return
		}
		*dst = f
	}
}

func (p *envParser) duration(key string, dst *time.Duration) {
	if v, ok := p.lookup(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			p.fail(key, err)
			return
		}
		*dst = d
	}
}

// BindFlags registers flags on fs whose defaults are the current values of c.
func (c *Config) BindFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.Network, "network", c.Network, "Network name stamped on events")
	fs.StringVar(&c.HTTPAddr, "http-addr", c.HTTPAddr, "HTTP listen address")
	fs.StringVar(&c.PostgresDSN, "postgres-dsn", c.PostgresDSN, "PostgreSQL connection string")
	fs.StringVar(&c.ClickHouseDSN, "clickhouse-dsn", c.ClickHouseDSN, "ClickHouse connection string (optional analytics sink)")
	fs.BoolVar(&c.UseMemory, "use-memory", c.UseMemory, "Use in-memory storage instead of PostgreSQL")
	fs.BoolVar(&c.Migrate, "migrate", c.Migrate, "Apply database migrations on startup")

	fs.StringVar(&c.RPC.URL, "rpc-url", c.RPC.URL, "EVM JSON-RPC HTTP endpoint")
	fs.StringVar(&c.RPC.WSURL, "ws-url", c.RPC.WSURL, "EVM WebSocket endpoint for live log subscription")
	fs.Float64Var(&c.RPC.RequestsPerSecond, "rpc-rps", c.RPC.RequestsPerSecond, "Outbound RPC requests per second (0 disables)")

	fs.StringVar(&c.Webhook.SignatureHeader, "signature-header", c.Webhook.SignatureHeader, "Webhook signature header")
	fs.StringVar(&c.Webhook.SignatureMode, "signature-mode", c.Webhook.SignatureMode, "Signature mode: enforce or advisory")
	fs.Func("webhook-secret", "Webhook secret as endpoint=secret (repeatable)", func(v string) error {
		endpoint, secret, ok := strings.Cut(v, "=")
		if !ok || endpoint == "" {
			return fmt.Errorf("expected endpoint=secret")
		}
		c.Webhook.Secrets[endpoint] = secret
		return nil
	})
	fs.DurationVar(&c.Webhook.RateLimitWindow, "rate-limit-window", c.Webhook.RateLimitWindow, "Sliding rate-limit window")
	fs.IntVar(&c.Webhook.RateLimitCeiling, "rate-limit-ceiling", c.Webhook.RateLimitCeiling, "Requests allowed per identity per window")

	fs.BoolVar(&c.Backfill.Enabled, "backfill", c.Backfill.Enabled, "Enable RPC backfill")
	fs.Uint64Var(&c.Backfill.ChunkSize, "chunk-size", c.Backfill.ChunkSize, "Blocks per eth_getLogs call")
	fs.DurationVar(&c.Backfill.InterChunkDelay, "chunk-delay", c.Backfill.InterChunkDelay, "Pause between chunks")
	fs.DurationVar(&c.Backfill.ChunkTimeout, "chunk-timeout", c.Backfill.ChunkTimeout, "Deadline of one chunk fetch")
	fs.IntVar(&c.Backfill.LookbackHours, "lookback-hours", c.Backfill.LookbackHours, "Scheduled backfill lookback in hours")
	fs.DurationVar(&c.Backfill.AvgBlockTime, "avg-block-time", c.Backfill.AvgBlockTime, "Average block time used to size lookbacks")
	fs.DurationVar(&c.Backfill.Interval, "backfill-interval", c.Backfill.Interval, "Scheduled backfill interval (0 disables)")
	fs.StringVar(&c.Backfill.Secret, "backfill-secret", c.Backfill.Secret, "Shared secret of /backfill and /admin")
	fs.IntVar(&c.Backfill.PendingLimit, "pending-limit", c.Backfill.PendingLimit, "Pending records retried per run")
	fs.Func("contracts", "Comma-separated contract addresses to filter", func(v string) error {
		c.Backfill.Addresses = splitList(v)
		return nil
	})
}

// Validate checks that the settings are usable.
func (c *Config) Validate() error {
	var errs []error
	if c.Network == "" {
		errs = append(errs, errors.New("network is required"))
	}
	if c.Backfill.ChunkSize == 0 {
		errs = append(errs, errors.New("chunk size must be positive"))
	}
	if c.Webhook.RateLimitWindow <= 0 {
		errs = append(errs, errors.New("rate limit window must be positive"))
	}
	if c.Webhook.RateLimitCeiling <= 0 {
		errs = append(errs, errors.New("rate limit ceiling must be positive"))
	}
	if c.Backfill.LookbackHours <= 0 {
		errs = append(errs, errors.New("lookback hours must be positive"))
	}
	if c.Backfill.Enabled && c.RPC.URL == "" {
		errs = append(errs, errors.New("rpc url is required when backfill is enabled"))
	}
	if c.Webhook.SignatureMode != SignatureEnforce && c.Webhook.SignatureMode != SignatureAdvisory {
		errs = append(errs, fmt.Errorf("unknown signature mode %q", c.Webhook.SignatureMode))
	}
	if !c.UseMemory && c.PostgresDSN == "" {
		errs = append(errs, errors.New("postgres dsn is required (use -use-memory for in-memory storage)"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// Endpoints returns the endpoints that have a webhook secret, sorted.
func (c *Config) Endpoints() []string {
	endpoints := make([]string, 0, len(c.Webhook.Secrets))
	for e := range c.Webhook.Secrets {
		endpoints = append(endpoints, e)
	}
	sort.Strings(endpoints)
	return endpoints
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, strings.ToLower(s))
		}
	}
	return out
}

// scanFlag returns the value of -name or --name in args without parsing them.
func scanFlag(args []string, name string) string {
	for i, arg := range args {
		if arg == "--" {
			break
		}
		trimmed := strings.TrimLeft(arg, "-")
		if trimmed == arg {
			continue
		}
		if v, ok := strings.CutPrefix(trimmed, name+"="); ok {
			return v
		}
		if trimmed == name && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}
