// Package config loads node settings: defaults, then a TOML file, then
// SCRIPTNODE_* environment variables. Flags are applied by the caller.
package config

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
)

const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"

	TransportSocket = "socket"
	TransportGRPC   = "grpc"
)

type StoreConfig struct {
	Backend string `toml:"backend" env:"BACKEND"`
	Path    string `toml:"path" env:"PATH"`
}

type Config struct {
	Name          string      `toml:"name" env:"SCRIPTNODE_NAME"`
	ABCIAddr      string      `toml:"abci_addr" env:"SCRIPTNODE_ABCI_ADDR"`
	ABCITransport string      `toml:"abci_transport" env:"SCRIPTNODE_ABCI_TRANSPORT"`
	ScriptsDir    string      `toml:"scripts_dir" env:"SCRIPTNODE_SCRIPTS_DIR"`
	ScriptExt     string      `toml:"script_ext" env:"SCRIPTNODE_SCRIPT_EXT"`
	QueueSize     int         `toml:"queue_size" env:"SCRIPTNODE_QUEUE_SIZE"`
	MaxTasks      int         `toml:"max_tasks" env:"SCRIPTNODE_MAX_TASKS"`
	JournalPath   string      `toml:"journal_path" env:"SCRIPTNODE_JOURNAL_PATH"`
	Store         StoreConfig `toml:"store" envPrefix:"SCRIPTNODE_STORE_"`
	AdminAddr     string      `toml:"admin_addr" env:"SCRIPTNODE_ADMIN_ADDR"`
	AdminToken    string      `toml:"admin_token" env:"SCRIPTNODE_ADMIN_TOKEN"`
	CORSOrigins   []string    `toml:"cors_origins" env:"SCRIPTNODE_CORS_ORIGINS" envSeparator:","`
	OTelEndpoint  string      `toml:"otel_endpoint" env:"SCRIPTNODE_OTEL_ENDPOINT"`
	OTelEnabled   bool        `toml:"otel_enabled" env:"SCRIPTNODE_OTEL_ENABLED"`
}

func Default() Config {
	return Config{
		Name:          "scriptnode",
		ABCIAddr:      "tcp://127.0.0.1:26658",
		ABCITransport: TransportSocket,
		ScriptsDir:    "scripts",
		ScriptExt:     ".lua",
		QueueSize:     64,
		MaxTasks:      10000,
		Store:         StoreConfig{Backend: BackendMemory},
		AdminAddr:     "127.0.0.1:7070",
	}
}

// Load builds a Config from defaults, the file at path (skipped when empty)
// and the environment, then validates it.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse env: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyFile only overwrites keys the file defines, so a partial file keeps defaults.
func applyFile(cfg *Config, path string) error {
	var raw Config
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("config: load %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("config: %s: unknown key %q", path, undecoded[0].String())
	}

	set := func(key string, dst *string, v string) {
		if meta.IsDefined(key) {
			*dst = strings.TrimSpace(v)
		}
	}
	set("name", &cfg.Name, raw.Name)
	set("abci_addr", &cfg.ABCIAddr, raw.ABCIAddr)
	set("abci_transport", &cfg.ABCITransport, raw.ABCITransport)
	set("scripts_dir", &cfg.ScriptsDir, raw.ScriptsDir)
	set("script_ext", &cfg.ScriptExt, raw.ScriptExt)
	set("journal_path", &cfg.JournalPath, raw.JournalPath)
	set("admin_addr", &cfg.AdminAddr, raw.AdminAddr)
	set("admin_token", &cfg.AdminToken, raw.AdminToken)
	set("otel_endpoint", &cfg.OTelEndpoint, raw.OTelEndpoint)
	set("store.backend", &cfg.Store.Backend, raw.Store.Backend)
	set("store.path", &cfg.Store.Path, raw.Store.Path)

	if meta.IsDefined("queue_size") {
		cfg.QueueSize = raw.QueueSize
	}
	if meta.IsDefined("max_tasks") {
		cfg.MaxTasks = raw.MaxTasks
	}
	if meta.IsDefined("cors_origins") {
		cfg.CORSOrigins = raw.CORSOrigins
	}
	if meta.IsDefined("otel_enabled") {
		cfg.OTelEnabled = raw.OTelEnabled
	}
	return nil
}

func (c *Config) normalize() {
	c.Store.Backend = strings.ToLower(strings.TrimSpace(c.Store.Backend))
	c.ABCITransport = strings.ToLower(strings.TrimSpace(c.ABCITransport))
	origins := make([]string, 0, len(c.CORSOrigins))
	for _, o := range c.CORSOrigins {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	c.CORSOrigins = origins
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("config: missing name")
	}
	if strings.TrimSpace(c.ABCIAddr) == "" {
		return fmt.Errorf("config: missing abci_addr")
	}
	switch c.ABCITransport {
	case TransportSocket, TransportGRPC:
	default:
		return fmt.Errorf("config: abci_transport %q must be %s or %s", c.ABCITransport, TransportSocket, TransportGRPC)
	}
	if strings.TrimSpace(c.ScriptsDir) == "" {
		return fmt.Errorf("config: missing scripts_dir")
	}
	if !strings.HasPrefix(c.ScriptExt, ".") || len(c.ScriptExt) < 2 {
		return fmt.Errorf("config: script_ext %q must start with a dot", c.ScriptExt)
	}
	if c.QueueSize <= 0 {
		return fmt.Errorf("config: queue_size must be positive, got %d", c.QueueSize)
	}
	if c.MaxTasks <= 0 {
		return fmt.Errorf("config: max_tasks must be positive, got %d", c.MaxTasks)
	}
	switch c.Store.Backend {
	case BackendMemory:
	case BackendSQLite:
		if strings.TrimSpace(c.Store.Path) == "" {
			return fmt.Errorf("config: store.path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("config: store.backend %q must be %s or %s", c.Store.Backend, BackendMemory, BackendSQLite)
	}
	return nil
}
