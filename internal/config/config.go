// Package config holds the client configuration: identity, signaling
// backend selection, ICE servers, call timers, record store and control API
// settings. Config lives in a JSON file next to the data directory; missing
// fields fall back to defaults on load.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/peerline/peerline/internal/util"
)

type Config struct {
	Identity Identity `json:"identity"`
	Signal   Signal   `json:"signal"`
	ICE      ICE      `json:"ice"`
	Call     Call     `json:"call"`
	Store    Store    `json:"store"`
	API      API      `json:"api"`
}

type Identity struct {
	// UserID is the signaling address other peers dial. Ignored in p2p
	// mode, where the libp2p peer id derived from the key file is used.
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
}

// Signal selects and configures the signaling backend.
type Signal struct {
	// Mode is "relay" (websocket relay server) or "p2p" (direct libp2p
	// streams, LAN discovery via mDNS).
	Mode string `json:"mode"`

	// RelayURL is the websocket endpoint, e.g. "ws://localhost:8787/ws".
	// Required in relay mode.
	RelayURL string `json:"relay_url"`

	// P2P mode settings. ListenPort 0 picks a random port.
	ListenPort int      `json:"listen_port"`
	KeyFile    string   `json:"key_file"`
	MdnsTag    string   `json:"mdns_tag"`
	PeerAddrs  []string `json:"peer_addrs"`
}

type ICE struct {
	// STUNURLs in "stun:host:port" form.
	STUNURLs []string `json:"stun_urls"`

	// Optional TURN relay for peers that cannot hole-punch.
	TURNURL      string `json:"turn_url"`
	TURNUsername string `json:"turn_username"`
	TURNPassword string `json:"turn_password"`
}

// Call holds the call timers, in seconds. Zero means the built-in default.
// These reload live when the config file changes on disk.
type Call struct {
	RingTimeoutSec     int `json:"ring_timeout_sec"`
	AcceptTimeoutSec   int `json:"accept_timeout_sec"`
	DisconnectGraceSec int `json:"disconnect_grace_sec"`
}

type Store struct {
	// DataDir holds the record database and key material.
	DataDir string `json:"data_dir"`
}

type API struct {
	// HTTPAddr is the control API bind address. The API is the only way
	// to drive calls, so this is required.
	HTTPAddr string `json:"http_addr"`
}

func Default() Config {
	return Config{
		Identity: Identity{
			DisplayName: "anonymous",
		},
		Signal: Signal{
			Mode:       "relay",
			RelayURL:   "ws://127.0.0.1:8787/ws",
			ListenPort: 0,
			KeyFile:    "data/identity.key",
			MdnsTag:    "peerline-mdns",
		},
		ICE: ICE{
			STUNURLs: []string{"stun:stun.l.google.com:19302"},
		},
		Call: Call{
			RingTimeoutSec:     40,
			AcceptTimeoutSec:   20,
			DisconnectGraceSec: 10,
		},
		Store: Store{
			DataDir: "data",
		},
		API: API{
			HTTPAddr: "127.0.0.1:8090",
		},
	}
}

func (c *Config) Validate() error {
	// Identity
	if strings.TrimSpace(c.Identity.DisplayName) == "" {
		return errors.New("identity.display_name is required")
	}

	// Signal
	switch c.Signal.Mode {
	case "relay":
		if strings.TrimSpace(c.Signal.RelayURL) == "" {
			return errors.New("signal.relay_url is required in relay mode")
		}
		u, err := url.Parse(c.Signal.RelayURL)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
			return errors.New("signal.relay_url must be a ws:// or wss:// URL")
		}
		if strings.TrimSpace(c.Identity.UserID) == "" {
			return errors.New("identity.user_id is required in relay mode")
		}
	case "p2p":
		if c.Signal.ListenPort < 0 || c.Signal.ListenPort > 65535 {
			return errors.New("signal.listen_port must be 0..65535")
		}
		if strings.TrimSpace(c.Signal.KeyFile) == "" {
			return errors.New("signal.key_file is required in p2p mode")
		}
		if strings.TrimSpace(c.Signal.MdnsTag) == "" {
			return errors.New("signal.mdns_tag is required in p2p mode")
		}
	default:
		return fmt.Errorf("signal.mode must be \"relay\" or \"p2p\", got %q", c.Signal.Mode)
	}

	// ICE
	for _, s := range c.ICE.STUNURLs {
		if !strings.HasPrefix(s, "stun:") {
			return fmt.Errorf("ice.stun_urls entry %q must start with stun:", s)
		}
	}
	if c.ICE.TURNURL != "" {
		if !strings.HasPrefix(c.ICE.TURNURL, "turn:") && !strings.HasPrefix(c.ICE.TURNURL, "turns:") {
			return errors.New("ice.turn_url must start with turn: or turns:")
		}
		if c.ICE.TURNUsername == "" || c.ICE.TURNPassword == "" {
			return errors.New("ice.turn_url requires ice.turn_username and ice.turn_password")
		}
	}

	// Call timers
	if c.Call.RingTimeoutSec < 0 {
		return errors.New("call.ring_timeout_sec must be >= 0")
	}
	if c.Call.AcceptTimeoutSec < 0 {
		return errors.New("call.accept_timeout_sec must be >= 0")
	}
	if c.Call.DisconnectGraceSec < 0 {
		return errors.New("call.disconnect_grace_sec must be >= 0")
	}

	// Store
	if strings.TrimSpace(c.Store.DataDir) == "" {
		return errors.New("store.data_dir is required")
	}

	// API
	if strings.TrimSpace(c.API.HTTPAddr) == "" {
		return errors.New("api.http_addr is required")
	}

	return nil
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
// The default is written unvalidated — it has no user id yet and exists for
// the user to edit. Returns (cfg, createdNew, err).
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
