// Package config loads graphfusiond configuration from a YAML file and
// GRAPHFUSION_* environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/knadh/koanf/v2"

	"github.com/fyrsmithlabs/graphfusion/internal/feedback"
	"github.com/fyrsmithlabs/graphfusion/internal/recommend"
	"github.com/fyrsmithlabs/graphfusion/internal/vectorindex"
)

// Config holds the daemon configuration.
//
// The logging and telemetry sections belong to packages that import this
// one; decode them with Section.
type Config struct {
	Index     vectorindex.Config `koanf:"index"`
	Graph     GraphConfig        `koanf:"graph"`
	Feedback  feedback.Config    `koanf:"feedback"`
	Recommend recommend.Config   `koanf:"recommend"`
	Server    ServerConfig       `koanf:"server"`
	NATS      NATSConfig         `koanf:"nats"`
	Snapshot  SnapshotConfig     `koanf:"snapshot"`
	MCP       MCPConfig          `koanf:"mcp"`

	k    *koanf.Koanf
	path string
}

// GraphConfig configures the knowledge graph.
type GraphConfig struct {
	// StrictMode rejects out-of-range confidences instead of clamping them.
	StrictMode bool `koanf:"strict_mode"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
	RequestTimeout  Duration `koanf:"request_timeout"`
	// BodyLimit caps request bodies, in echo's size syntax ("4M").
	BodyLimit string `koanf:"body_limit"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// NATSConfig configures the feedback bridge.
type NATSConfig struct {
	Enabled   bool    `koanf:"enabled"`
	URL       string  `koanf:"url"`
	Token     Secret  `koanf:"token"`
	Prefix    string  `koanf:"prefix"`
	Queue     string  `koanf:"queue"`
	RateLimit float64 `koanf:"rate_limit"`
	Burst     int     `koanf:"burst"`
	Buffer    int     `koanf:"buffer"`
}

// SnapshotConfig configures SQLite persistence.
type SnapshotConfig struct {
	Enabled        bool     `koanf:"enabled"`
	Path           string   `koanf:"path"`
	Interval       Duration `koanf:"interval"`
	RestoreOnStart bool     `koanf:"restore_on_start"`
	// FailureThreshold is the number of consecutive failed saves that
	// suspend saving for BreakerTimeout.
	FailureThreshold uint32   `koanf:"failure_threshold"`
	BreakerTimeout   Duration `koanf:"breaker_timeout"`
}

// MCPConfig configures the MCP tool server.
type MCPConfig struct {
	ServerName string `koanf:"server_name"`
	// DefaultTopK applies when a memory_recommend call omits top_k.
	DefaultTopK int `koanf:"default_top_k"`
	// DefaultGraphDepth applies when a memory_recommend call omits
	// graph_depth.
	DefaultGraphDepth int `koanf:"default_graph_depth"`
	// DefaultMagnitude applies when a memory_feedback call omits magnitude.
	DefaultMagnitude float64 `koanf:"default_magnitude"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Index: vectorindex.Config{
			Backend:    vectorindex.BackendExact,
			Dimension:  384,
			Collection: "graphfusion_records",
		},
		Feedback:  feedback.DefaultConfig(),
		Recommend: recommend.DefaultConfig(),
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            8089,
			ShutdownTimeout: Duration(10 * time.Second),
			RequestTimeout:  Duration(30 * time.Second),
			BodyLimit:       "4M",
		},
		NATS: NATSConfig{
			URL:       "nats://127.0.0.1:4222",
			Prefix:    "graphfusion",
			Queue:     "graphfusion-feedback",
			RateLimit: 200,
			Burst:     50,
			Buffer:    1024,
		},
		Snapshot: SnapshotConfig{
			Path:             "~/.local/share/graphfusion/snapshot.db",
			Interval:         Duration(time.Minute),
			RestoreOnStart:   true,
			FailureThreshold: 3,
			BreakerTimeout:   Duration(30 * time.Second),
		},
		MCP: MCPConfig{
			ServerName:        "graphfusion",
			DefaultTopK:       5,
			DefaultGraphDepth: 2,
			DefaultMagnitude:  0.2,
		},
	}
}

// Validate checks every section.
func (c *Config) Validate() error {
	var errs []error
	if err := c.Index.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("index: %w", err))
	}
	if err := c.Feedback.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("feedback: %w", err))
	}
	if err := c.Recommend.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("recommend: %w", err))
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server: invalid port %d (must be 1-65535)", c.Server.Port))
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("server: shutdown_timeout must be positive"))
	}
	if c.NATS.Enabled {
		if u, err := url.Parse(c.NATS.URL); err != nil || u.Host == "" {
			errs = append(errs, fmt.Errorf("nats: invalid url %q", c.NATS.URL))
		}
		if c.NATS.Prefix == "" {
			errs = append(errs, errors.New("nats: prefix is required"))
		}
		if c.NATS.RateLimit < 0 {
			errs = append(errs, errors.New("nats: rate_limit must be >= 0"))
		}
	}
	if c.Snapshot.Enabled && c.Snapshot.Path == "" {
		errs = append(errs, errors.New("snapshot: path is required when enabled"))
	}
	if c.MCP.DefaultTopK < 1 {
		errs = append(errs, fmt.Errorf("mcp: default_top_k must be >= 1, got %d", c.MCP.DefaultTopK))
	}
	if c.MCP.DefaultGraphDepth < 0 {
		errs = append(errs, fmt.Errorf("mcp: default_graph_depth must be >= 0, got %d", c.MCP.DefaultGraphDepth))
	}
	if c.MCP.DefaultMagnitude <= 0 || c.MCP.DefaultMagnitude > 1 {
		errs = append(errs, fmt.Errorf("mcp: default_magnitude must be in (0,1], got %v", c.MCP.DefaultMagnitude))
	}
	return errors.Join(errs...)
}

// Path returns the file the config was loaded from, or "" when none was
// read.
func (c *Config) Path() string {
	return c.path
}

// Section decodes the section at path (for example "logging") into out.
// Fields missing from the file and environment keep their current values,
// so out should hold that package's defaults.
func (c *Config) Section(path string, out any) error {
	if c.k == nil || !c.k.Exists(path) {
		return nil
	}
	if err := c.k.Unmarshal(path, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
