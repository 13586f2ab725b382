// Package config provides configuration management for drover.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/randalmurphal/drover/internal/errors"
	"github.com/randalmurphal/drover/internal/role"
)

const (
	// ConfigFileName is the default config file name.
	ConfigFileName = "config.yaml"
	// DroverDir is the drover state directory under the project root.
	DroverDir = ".drover"
	// LegacyAgentsFileName is the deprecated standalone agents file,
	// merged into config.yaml when present.
	LegacyAgentsFileName = "agents.yaml"
)

// QueueLimits bound how much work may be in flight at once. Zero
// values fall back to defaults.
type QueueLimits struct {
	MaxIncoming    int `yaml:"max_incoming"`
	MaxClaimed     int `yaml:"max_claimed"`
	MaxProvisional int `yaml:"max_provisional"`
	MaxOpenPRs     int `yaml:"max_open_prs"`
}

// TaskType carries per-type hook overrides.
type TaskType struct {
	Hooks map[string][]string `yaml:"hooks,omitempty"`
}

// FileOperations is the read/write glob allowlist exported to agents.
type FileOperations struct {
	Read  []string `yaml:"read,omitempty"`
	Write []string `yaml:"write,omitempty"`
}

// Server configures the remote task store (API mode).
type Server struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url,omitempty"`
	APIKey  string `yaml:"api_key,omitempty"`
	Scope   string `yaml:"scope,omitempty"`
}

// Database configures the task store in DB mode. Driver is "sqlite"
// or "postgres"; DSN is driver-specific.
type Database struct {
	Driver string `yaml:"driver,omitempty"`
	DSN    string `yaml:"dsn,omitempty"`
}

// Agent is a named agent blueprint.
type Agent struct {
	Type            string `yaml:"type"`
	Role            string `yaml:"role,omitempty"`
	MaxInstances    int    `yaml:"max_instances"`
	IntervalSeconds int    `yaml:"interval_seconds"`
	Paused          bool   `yaml:"paused,omitempty"`
	AgentDir        string `yaml:"agent_dir,omitempty"`
	Command         string `yaml:"command,omitempty"`
}

// legacyFleetEntry is the deprecated list form of agent blueprints.
type legacyFleetEntry struct {
	Name string `yaml:"name"`
	Agent
}

// Ports configures per-agent port allocation. Each agent gets three
// consecutive slots at base + index*stride (dev/MCP/playwright).
type Ports struct {
	Base   int `yaml:"base"`
	Stride int `yaml:"stride"`
}

// Timing groups the scheduler's interval and timeout knobs.
type Timing struct {
	TickInterval      time.Duration `yaml:"tick_interval"`
	LeaseDuration     time.Duration `yaml:"lease_duration"`
	ZombieGrace       time.Duration `yaml:"zombie_grace"`
	RebaseCooldown    time.Duration `yaml:"rebase_cooldown"`
	AgentBudget       time.Duration `yaml:"agent_budget"`
	GitFetchTimeout   time.Duration `yaml:"git_fetch_timeout"`
	RebaseTimeout     time.Duration `yaml:"rebase_timeout"`
	TestTimeout       time.Duration `yaml:"test_timeout"`
	MergeTimeout      time.Duration `yaml:"merge_timeout"`
	PRCacheTTL        time.Duration `yaml:"pr_cache_ttl"`
	BurnoutTurns      int           `yaml:"burnout_turns"`
	MaxRejections     int           `yaml:"max_rejections"`
	MaxBreakdownDepth int           `yaml:"max_breakdown_depth"`
}

// Config is the single immutable configuration value. The scheduler
// reads it once per tick and passes it by value to per-tick decisions.
type Config struct {
	// Scope is the multi-tenant tag injected into every store call.
	// Its absence is a fatal startup error.
	Scope string `yaml:"scope"`

	BaseBranch  string              `yaml:"base_branch"`
	QueueLimits QueueLimits         `yaml:"queue_limits"`
	Hooks       map[string][]string `yaml:"hooks,omitempty"`
	TaskTypes   map[string]TaskType `yaml:"task_types,omitempty"`
	Commands    map[string][]string `yaml:"commands,omitempty"`
	FileOps     FileOperations      `yaml:"file_operations,omitempty"`
	Server      Server              `yaml:"server,omitempty"`
	Database    Database            `yaml:"database,omitempty"`
	Agents      map[string]Agent    `yaml:"agents,omitempty"`
	Fleet       []legacyFleetEntry  `yaml:"fleet,omitempty"`
	Ports       Ports               `yaml:"ports"`
	Timing      Timing              `yaml:"timing"`

	// projectDir is where the config was resolved from; not serialized.
	projectDir string `yaml:"-"`
}

// Default returns the default configuration. Scope has no default:
// it must come from the file or environment.
func Default() *Config {
	return &Config{
		BaseBranch: "main",
		QueueLimits: QueueLimits{
			MaxIncoming:    30,
			MaxClaimed:     4,
			MaxProvisional: 10,
			MaxOpenPRs:     10,
		},
		Ports: Ports{Base: 41000, Stride: 10},
		Timing: Timing{
			TickInterval:      60 * time.Second,
			LeaseDuration:     30 * time.Minute,
			ZombieGrace:       5 * time.Minute,
			RebaseCooldown:    10 * time.Minute,
			AgentBudget:       600 * time.Second,
			GitFetchTimeout:   60 * time.Second,
			RebaseTimeout:     120 * time.Second,
			TestTimeout:       300 * time.Second,
			MergeTimeout:      60 * time.Second,
			PRCacheTTL:        60 * time.Second,
			BurnoutTurns:      60,
			MaxRejections:     3,
			MaxBreakdownDepth: 3,
		},
	}
}

// Load loads the config from <projectDir>/.drover/config.yaml, merges
// the legacy agents.yaml if present, applies defaults, and validates.
func Load(projectDir string) (*Config, error) {
	path := filepath.Join(projectDir, DroverDir, ConfigFileName)

	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Missing file still fails validation below: no scope.
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.ErrConfigInvalid(path, err.Error())
	}

	if err := cfg.mergeLegacyAgents(filepath.Join(projectDir, DroverDir, LegacyAgentsFileName)); err != nil {
		return nil, err
	}
	cfg.promoteFleet()
	cfg.applyEnvOverrides()
	cfg.projectDir = projectDir

	if err := cfg.Validate(path); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides lets DROVER_* environment variables win over the
// file. Nested keys map through underscores, so queue_limits.max_claimed
// is DROVER_QUEUE_LIMITS_MAX_CLAIMED.
func (c *Config) applyEnvOverrides() {
	v := viper.New()
	v.SetEnvPrefix("DROVER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setStr := func(key string, dst *string) {
		if s := v.GetString(key); s != "" {
			*dst = s
		}
	}
	setInt := func(key string, dst *int) {
		if n := v.GetInt(key); n > 0 {
			*dst = n
		}
	}
	setDur := func(key string, dst *time.Duration) {
		if d := v.GetDuration(key); d > 0 {
			*dst = d
		}
	}

	setStr("scope", &c.Scope)
	setStr("base_branch", &c.BaseBranch)
	setStr("database.driver", &c.Database.Driver)
	setStr("database.dsn", &c.Database.DSN)
	setStr("server.url", &c.Server.URL)
	setStr("server.api_key", &c.Server.APIKey)

	setInt("queue_limits.max_incoming", &c.QueueLimits.MaxIncoming)
	setInt("queue_limits.max_claimed", &c.QueueLimits.MaxClaimed)
	setInt("queue_limits.max_provisional", &c.QueueLimits.MaxProvisional)
	setInt("queue_limits.max_open_prs", &c.QueueLimits.MaxOpenPRs)

	setDur("timing.tick_interval", &c.Timing.TickInterval)
	setDur("timing.lease_duration", &c.Timing.LeaseDuration)
	setDur("timing.zombie_grace", &c.Timing.ZombieGrace)
	setDur("timing.rebase_cooldown", &c.Timing.RebaseCooldown)
	setDur("timing.pr_cache_ttl", &c.Timing.PRCacheTTL)
	setInt("timing.burnout_turns", &c.Timing.BurnoutTurns)
	setInt("timing.max_rejections", &c.Timing.MaxRejections)
}

// mergeLegacyAgents folds a standalone agents.yaml into the config.
// Entries in config.yaml win on name collisions.
func (c *Config) mergeLegacyAgents(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read legacy agents file: %w", err)
	}

	var legacy struct {
		Agents map[string]Agent   `yaml:"agents,omitempty"`
		Fleet  []legacyFleetEntry `yaml:"fleet,omitempty"`
	}
	if err := yaml.Unmarshal(data, &legacy); err != nil {
		return errors.ErrConfigInvalid(path, err.Error())
	}

	if c.Agents == nil {
		c.Agents = make(map[string]Agent)
	}
	for name, a := range legacy.Agents {
		if _, exists := c.Agents[name]; !exists {
			c.Agents[name] = a
		}
	}
	c.Fleet = append(c.Fleet, legacy.Fleet...)
	return nil
}

// promoteFleet converts the deprecated fleet list form into the agents
// map, keyed by entry name.
func (c *Config) promoteFleet() {
	if len(c.Fleet) == 0 {
		return
	}
	if c.Agents == nil {
		c.Agents = make(map[string]Agent)
	}
	for _, e := range c.Fleet {
		if e.Name == "" {
			continue
		}
		if _, exists := c.Agents[e.Name]; !exists {
			c.Agents[e.Name] = e.Agent
		}
	}
	c.Fleet = nil
}

// Validate checks the invariants the scheduler depends on. A missing
// scope is fatal; bad globs and non-positive limits are config errors.
func (c *Config) Validate(path string) error {
	if c.Scope == "" {
		return errors.ErrScopeMissing(path)
	}
	if c.QueueLimits.MaxClaimed < 1 {
		return errors.ErrConfigInvalid("queue_limits.max_claimed", "must be at least 1")
	}
	for _, g := range append(append([]string{}, c.FileOps.Read...), c.FileOps.Write...) {
		if !doublestar.ValidatePattern(g) {
			return errors.ErrConfigInvalid("file_operations", fmt.Sprintf("invalid glob pattern %q", g))
		}
	}
	for name, a := range c.Agents {
		if a.MaxInstances < 0 {
			return errors.ErrConfigInvalid("agents."+name+".max_instances", "must not be negative")
		}
		if a.Role != "" {
			if _, err := role.Parse(name, a.Role); err != nil {
				return err
			}
		}
	}
	return nil
}

// AgentNames returns blueprint names in stable order.
func (c *Config) AgentNames() []string {
	names := make([]string, 0, len(c.Agents))
	for name := range c.Agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AgentPorts returns the three port slots for the agent at index.
func (c *Config) AgentPorts(index int) [3]int {
	base := c.Ports.Base + index*c.Ports.Stride
	return [3]int{base, base + 1, base + 2}
}

// PathReadable reports whether path matches the read allowlist.
// An empty allowlist permits everything.
func (c *Config) PathReadable(path string) bool {
	return matchAny(c.FileOps.Read, path)
}

// PathWritable reports whether path matches the write allowlist.
func (c *Config) PathWritable(path string) bool {
	return matchAny(c.FileOps.Write, path)
}

func matchAny(globs []string, path string) bool {
	if len(globs) == 0 {
		return true
	}
	for _, g := range globs {
		if ok, err := doublestar.Match(g, path); err == nil && ok {
			return true
		}
	}
	return false
}

// Save writes the config to <projectDir>/.drover/config.yaml.
func (c *Config) Save(projectDir string) error {
	dir := filepath.Join(projectDir, DroverDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(filepath.Join(dir, ConfigFileName), data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
