// Package config loads the on-disk TOML configuration that anchors a
// session controller to a room: the room identifier, the local
// long-term Ed25519 signing keypair, and transport preferences.
// Loading is flag-overridable path, TOML unmarshal, then field
// validation.
package config

import (
	"crypto/rand"
	"encoding/base64"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	homedir "github.com/mitchellh/go-homedir"

	"github.com/companyzero/ratchetmesh/primitives"
)

// TransportMode names which of the two transport preferences a
// session controller's collaborator should start with.
type TransportMode string

const (
	TransportDirect  TransportMode = "direct"
	TransportOverlay TransportMode = "overlay"
)

// Config is the parsed contents of the TOML config file plus the
// decoded signing keypair and room secret.
type Config struct {
	RoomID            string `toml:"room_id"`
	RoomSecretB64     string `toml:"room_secret"`
	SigningPrivateB64 string `toml:"signing_private_key"`
	Transport         string `toml:"transport"`
	ListenAddr        string `toml:"listen_addr"`

	// Signing and RoomSecret are derived from the base64 fields above
	// during Load/Validate, never read directly from the file.
	Signing    primitives.SigningKeyPair `toml:"-"`
	RoomSecret []byte                    `toml:"-"`
}

// DefaultHomeDir is where a config file is looked for and where a
// freshly generated one is written, expanding "~" via go-homedir the
// way the ambient stack's config layer is specified to.
func DefaultHomeDir() string {
	dir, err := homedir.Dir()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, ".ratchetmesh")
}

// DefaultConfigPath is DefaultHomeDir()/ratchetmesh.conf.
func DefaultConfigPath() string {
	return filepath.Join(DefaultHomeDir(), "ratchetmesh.conf")
}

// Load parses the command line (a "-cfg" path override and a
// "-version" flag, mirroring brseeder's loadConfig) and the TOML file
// it names, then validates and decodes the result. It parses args with
// its own flag.FlagSet and leaves the global flag.CommandLine set
// untouched.
func Load(args []string, versionString string) (*Config, error) {
	fs := flag.NewFlagSet("ratchetmesh", flag.ContinueOnError)
	cfgPath := fs.String("cfg", DefaultConfigPath(), "Config file path")
	showVersion := fs.Bool("version", false, "Show version and exit")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if *showVersion {
		fmt.Fprintln(os.Stderr, versionString)
		os.Exit(0)
	}

	return LoadFile(*cfgPath)
}

// LoadFile reads and validates the config file at path directly,
// without touching the command line.
func LoadFile(path string) (*Config, error) {
	expanded, err := homedir.Expand(path)
	if err != nil {
		expanded = path
	}

	raw, err := os.ReadFile(expanded)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", expanded, err)
	}

	var cfg Config
	if err := toml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", expanded, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.RoomID == "" {
		return fmt.Errorf("config: room_id is required")
	}
	switch TransportMode(c.Transport) {
	case TransportDirect, TransportOverlay, "":
	default:
		return fmt.Errorf("config: unknown transport %q", c.Transport)
	}

	if c.SigningPrivateB64 == "" {
		return fmt.Errorf("config: signing_private_key is required")
	}
	priv, err := base64.StdEncoding.DecodeString(c.SigningPrivateB64)
	if err != nil {
		return fmt.Errorf("config: decode signing_private_key: %w", err)
	}
	if len(priv) != 64 {
		return fmt.Errorf("config: signing_private_key must decode to 64 bytes, got %d", len(priv))
	}
	pub := make([]byte, 32)
	copy(pub, priv[32:])
	c.Signing = primitives.SigningKeyPair{Private: priv, Public: pub}

	if c.RoomSecretB64 == "" {
		return fmt.Errorf("config: room_secret is required")
	}
	secret, err := base64.StdEncoding.DecodeString(c.RoomSecretB64)
	if err != nil {
		return fmt.Errorf("config: decode room_secret: %w", err)
	}
	c.RoomSecret = secret

	return nil
}

// Generate creates a fresh signing keypair and room secret and writes a
// minimal config file to path (0600), for first-run bootstrapping the
// way brclient/config.go writes out a generated config. roomSecret is
// the value every member of the room must share identically; pass nil
// to have Generate mint a fresh random one.
func Generate(path, roomID string, transport TransportMode, roomSecret []byte) error {
	expanded, err := homedir.Expand(path)
	if err != nil {
		expanded = path
	}
	if err := os.MkdirAll(filepath.Dir(expanded), 0o700); err != nil {
		return err
	}

	kp, err := primitives.GenerateSigningKeyPair(nil)
	if err != nil {
		return err
	}

	if len(roomSecret) == 0 {
		roomSecret = make([]byte, 32)
		if _, err := rand.Read(roomSecret); err != nil {
			return fmt.Errorf("generate room secret: %w", err)
		}
	}

	contents := fmt.Sprintf(
		"room_id = %q\nroom_secret = %q\nsigning_private_key = %q\ntransport = %q\n",
		roomID,
		base64.StdEncoding.EncodeToString(roomSecret),
		base64.StdEncoding.EncodeToString(kp.Private),
		string(transport),
	)
	return os.WriteFile(expanded, []byte(contents), 0o600)
}
