package config

import (
	_ "embed"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	utilsconfig "github.com/quantumauth-io/quantum-go-utils/config"
	"github.com/quantumauth-io/wallet-approval-agent/internal/constants"
	"github.com/quantumauth-io/wallet-approval-agent/internal/popup"
	"github.com/quantumauth-io/wallet-approval-agent/internal/storage"
)

//go:embed config.yaml
var EmbeddedConfigYAML []byte

type AgentSettings struct {
	LocalHost string
	Port      string
	UIBaseURL string
	UIOrigins []string
	DataDir   string

	// Wallet calls allowed per dApp origin.
	OriginRatePerSecond float64
	OriginBurst         int
}

type StorageSettings struct {
	Backend string
}

type ApprovalSettings struct {
	MaxPreapprovals  int
	RenewalMarginBps int64
}

type PopupSettings struct {
	Launcher           string
	Command            string
	DetachGraceSeconds int
}

type Config struct {
	Agent     *AgentSettings
	Storage   *StorageSettings
	Approvals *ApprovalSettings
	Popup     *PopupSettings
	// Chain identifier (e.g. sui:devnet) to JSON-RPC endpoint.
	Chains map[string]string
}

func Load() (*Config, error) {
	home, _ := os.UserHomeDir()
	paths := []string{
		filepath.Join(home, ".config", constants.AppName),
		filepath.Join(home, "config"),
		".",
	}

	cfg, err := utilsconfig.ParseConfigWithEmbedded[Config](paths, EmbeddedConfigYAML)
	if err != nil {
		return nil, err
	}
	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Normalize fills missing sections with defaults and rejects values the agent
// cannot run with.
func (c *Config) Normalize() error {
	if c.Agent == nil {
		c.Agent = &AgentSettings{}
	}
	if c.Storage == nil {
		c.Storage = &StorageSettings{}
	}
	if c.Approvals == nil {
		c.Approvals = &ApprovalSettings{}
	}
	if c.Popup == nil {
		c.Popup = &PopupSettings{}
	}

	a := c.Agent
	a.LocalHost = strings.TrimSpace(a.LocalHost)
	if a.LocalHost == "" {
		a.LocalHost = "127.0.0.1"
	}
	a.Port = strings.TrimSpace(a.Port)
	if a.Port == "" {
		a.Port = "6137"
	}
	if p, err := strconv.Atoi(a.Port); err != nil || p <= 0 || p > 65535 {
		return fmt.Errorf("Agent.Port %q is not a valid port", a.Port)
	}
	a.UIBaseURL = strings.TrimRight(strings.TrimSpace(a.UIBaseURL), "/")
	if a.UIBaseURL == "" {
		a.UIBaseURL = c.ServerURL() + "/ui"
	}
	if u, err := url.Parse(a.UIBaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("Agent.UIBaseURL %q must be an absolute URL", a.UIBaseURL)
	}
	origins := make([]string, 0, len(a.UIOrigins))
	for _, o := range a.UIOrigins {
		if o = strings.TrimRight(strings.TrimSpace(o), "/"); o != "" {
			origins = append(origins, o)
		}
	}
	a.UIOrigins = origins
	if a.OriginRatePerSecond < 0 || a.OriginBurst < 0 {
		return fmt.Errorf("Agent.OriginRatePerSecond and Agent.OriginBurst must not be negative")
	}

	switch strings.ToLower(strings.TrimSpace(c.Storage.Backend)) {
	case "", storage.BackendFile:
		c.Storage.Backend = storage.BackendFile
	case storage.BackendSQLite:
		c.Storage.Backend = storage.BackendSQLite
	default:
		return fmt.Errorf("invalid Storage.Backend %q (allowed: file, sqlite)", c.Storage.Backend)
	}

	if c.Approvals.MaxPreapprovals <= 0 {
		c.Approvals.MaxPreapprovals = constants.DefaultMaxPreapprovals
	}
	if c.Approvals.RenewalMarginBps <= 0 {
		c.Approvals.RenewalMarginBps = constants.DefaultRenewalMarginBps
	}

	c.Popup.Launcher = strings.ToLower(strings.TrimSpace(c.Popup.Launcher))
	if c.Popup.Launcher == "" {
		c.Popup.Launcher = popup.LauncherLog
	}
	if c.Popup.Launcher != popup.LauncherLog && c.Popup.Launcher != popup.LauncherCommand {
		return fmt.Errorf("invalid Popup.Launcher %q (allowed: log, command)", c.Popup.Launcher)
	}
	if c.Popup.DetachGraceSeconds < 0 {
		return fmt.Errorf("Popup.DetachGraceSeconds must not be negative")
	}

	chains := make(map[string]string, len(c.Chains))
	for name, endpoint := range c.Chains {
		n := strings.ToLower(strings.TrimSpace(name))
		e := strings.TrimSpace(endpoint)
		if n == "" || e == "" {
			return fmt.Errorf("Chains has an empty entry (%q: %q)", name, endpoint)
		}
		chains[n] = e
	}
	c.Chains = chains
	return nil
}

func (c *Config) ServerURL() string {
	return "http://" + c.Agent.LocalHost + ":" + c.Agent.Port
}

func (c *Config) DetachGrace() time.Duration {
	return time.Duration(c.Popup.DetachGraceSeconds) * time.Second
}
