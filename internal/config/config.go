package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"

	"github.com/clinicport/callcore/internal/util"
)

type Config struct {
	Identity Identity `json:"identity"`
	Signal   Signal   `json:"signal"`
	Sessions Sessions `json:"sessions"`
	Media    Media    `json:"media"`
	ICE      ICE      `json:"ice"`
	API      API      `json:"api"`
}

type Identity struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
}

type Signal struct {
	// WebSocket URL of the signaling server, e.g. "ws://localhost:8090/ws".
	// Required in node mode.
	URL string `json:"url"`

	// If true, run ONLY the signaling server; do NOT start a call node.
	ServerOnly bool `json:"server_only"`

	// Bind address for the signaling server. Default "127.0.0.1" (localhost only).
	// Set to "0.0.0.0" to accept connections from other machines.
	ServerBind string `json:"server_bind"`

	// Signaling server port (used only when ServerOnly=true).
	ServerPort int `json:"server_port"`

	// Path to the SQLite database holding call session records.
	// Relative to the run directory. Server mode only.
	DBPath string `json:"db_path"`
}

type Sessions struct {
	// Base URL of the call session REST API, e.g. "http://localhost:8090".
	// Defaults to the signaling server host when empty.
	BaseURL string `json:"base_url"`
}

type Media struct {
	// Disable local capture entirely — the node joins calls receive-only.
	Disabled bool `json:"disabled"`

	VideoBitRate int `json:"video_bit_rate"`
	MaxWidth     int `json:"max_width"`
	MaxHeight    int `json:"max_height"`
}

type ICE struct {
	// STUN/TURN URLs handed to every peer connection.
	Servers []string `json:"servers"`
}

type API struct {
	// Localhost address for the UI-facing HTTP API, e.g. "127.0.0.1:8091".
	HTTPAddr string `json:"http_addr"`
}

func Default() Config {
	return Config{
		Identity: Identity{
			UserID:      "",
			DisplayName: "",
		},
		Signal: Signal{
			URL:        "ws://127.0.0.1:8090/ws",
			ServerOnly: false,
			ServerBind: "127.0.0.1",
			ServerPort: 8090,
			DBPath:     "data.db",
		},
		Sessions: Sessions{
			BaseURL: "",
		},
		Media: Media{
			Disabled:     false,
			VideoBitRate: 1_500_000,
			MaxWidth:     640,
			MaxHeight:    480,
		},
		ICE: ICE{
			Servers: []string{"stun:stun.l.google.com:19302"},
		},
		API: API{
			HTTPAddr: "127.0.0.1:8091",
		},
	}
}

func (c *Config) Validate() error {
	if c.Signal.ServerOnly {
		if c.Signal.ServerPort <= 0 || c.Signal.ServerPort > 65535 {
			return errors.New("signal.server_port must be 1..65535 when signal.server_only is enabled")
		}
		if b := c.Signal.ServerBind; b != "" {
			if net.ParseIP(b) == nil {
				return errors.New("signal.server_bind must be a valid IP address")
			}
		}
		if strings.TrimSpace(c.Signal.DBPath) == "" {
			return errors.New("signal.db_path is required when signal.server_only is enabled")
		}
		return nil
	}

	// Node mode.
	if _, err := util.ValidateUserID(c.Identity.UserID); err != nil {
		return fmt.Errorf("identity.user_id: %w", err)
	}
	if err := validateWSURL(c.Signal.URL); err != nil {
		return fmt.Errorf("signal.url: %w", err)
	}
	if s := strings.TrimSpace(c.Sessions.BaseURL); s != "" {
		if err := validateHTTPURL(s); err != nil {
			return fmt.Errorf("sessions.base_url: %w", err)
		}
	}
	if c.Media.VideoBitRate <= 0 {
		return errors.New("media.video_bit_rate must be > 0")
	}
	if c.Media.MaxWidth <= 0 || c.Media.MaxHeight <= 0 {
		return errors.New("media.max_width and media.max_height must be > 0")
	}
	if len(c.ICE.Servers) == 0 {
		return errors.New("ice.servers must list at least one STUN/TURN URL")
	}
	for _, s := range c.ICE.Servers {
		if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "turn:") && !strings.HasPrefix(s, "turns:") {
			return fmt.Errorf("ice.servers: %q must be a stun:/turn:/turns: URL", s)
		}
	}
	if strings.TrimSpace(c.API.HTTPAddr) == "" {
		return errors.New("api.http_addr is required")
	}
	return nil
}

func validateWSURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return errors.New("scheme must be ws or wss")
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("scheme must be http or https")
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

// SessionsBaseURL returns the configured REST base URL, deriving it from the
// signaling URL when unset (ws://host:port/ws → http://host:port).
func (c *Config) SessionsBaseURL() string {
	if s := strings.TrimSpace(c.Sessions.BaseURL); s != "" {
		return strings.TrimSuffix(s, "/")
	}
	u, err := url.Parse(c.Signal.URL)
	if err != nil {
		return ""
	}
	scheme := "http"
	if u.Scheme == "wss" {
		scheme = "https"
	}
	return scheme + "://" + u.Host
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// LoadPartial reads a config file without validation. Useful for reading
// individual fields (like server_only) when full validation may fail.
func LoadPartial(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	b = stripBOM(b)

	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
// Note the default config does not validate in node mode (user_id is empty),
// so Ensure writes it with WriteJSONFile directly and leaves validation to
// the caller once an identity has been filled in.
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := util.WriteJSONFile(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
