package units

import (
	"crypto/rand"
	"encoding/hex"
	"os"
	"time"

	"github.com/chain/txvm/crypto/ed25519"
	"github.com/chain/txvm/errors"
	"gopkg.in/yaml.v3"

	"github.com/unitsproto/units/bc"
	"github.com/unitsproto/units/vm"
)

// Duration is a time.Duration that reads "30s"-style yaml values.
type Duration time.Duration

// UnmarshalYAML satisfies the yaml unmarshaler interface.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	v, err := time.ParseDuration(node.Value)
	if err != nil {
		return errors.Wrapf(err, "parsing duration %q", node.Value)
	}
	*d = Duration(v)
	return nil
}

// Config carries the system limits, the well-known controller
// identities, and the receipt signing key. The well-known ids are
// configuration, not constants, so tests can substitute their own.
type Config struct {
	// LoaderID names the system loader, the only controller allowed
	// to create objects for other controllers and to change an
	// object's kind.
	LoaderID bc.Id `yaml:"loader_id"`

	// Builtins names well-known controllers by alias, for operator
	// tooling.
	Builtins map[string]bc.Id `yaml:"builtins"`

	MaxObjectBytes uint32        `yaml:"max_object_bytes"`
	MaxTargets     uint32        `yaml:"max_targets"`
	MaxParams      uint32        `yaml:"max_params"`
	LockTimeout    Duration      `yaml:"lock_timeout"`

	GuestMemoryBytes uint32        `yaml:"guest_memory_bytes"`
	GuestCycles      uint64        `yaml:"guest_cycles"`
	GuestWallClock   Duration      `yaml:"guest_wall_clock"`

	// SignerKeyHex is the ed25519 private key receipts are signed
	// with. A fresh key is generated when empty.
	SignerKeyHex string `yaml:"signer_key"`
}

// DefaultConfig returns the stock configuration: the all-zero id as
// the loader, 10 MiB objects, 32 targets, 64 KiB params, a 30 s lock
// timeout, and the stock VM ceilings.
func DefaultConfig() Config {
	return Config{
		MaxObjectBytes:   10 << 20,
		MaxTargets:       32,
		MaxParams:        64 << 10,
		LockTimeout:      Duration(30 * time.Second),
		GuestMemoryBytes: 16 << 20,
		GuestCycles:      1e8,
		GuestWallClock:   Duration(5 * time.Second),
	}
}

// LoadConfig reads a yaml config file over the defaults.
func LoadConfig(path string) (Config, error) {
	c := DefaultConfig()
	bits, err := os.ReadFile(path)
	if err != nil {
		return c, errors.Wrapf(err, "reading config %s", path)
	}
	if err := yaml.Unmarshal(bits, &c); err != nil {
		return c, errors.Wrapf(err, "parsing config %s", path)
	}
	return c, nil
}

// WireLimits projects the config onto the codec bounds.
func (c Config) WireLimits() bc.Limits {
	l := bc.DefaultLimits()
	l.MaxObjectBytes = c.MaxObjectBytes
	l.MaxTargets = c.MaxTargets
	l.MaxParams = c.MaxParams
	return l
}

// VMLimits projects the config onto the executor ceilings.
func (c Config) VMLimits() vm.Limits {
	return vm.Limits{
		MemoryBytes: c.GuestMemoryBytes,
		Cycles:      c.GuestCycles,
		WallClock:   time.Duration(c.GuestWallClock),
	}
}

// SignerKey decodes the configured signing key, generating one when
// the config leaves it empty.
func (c Config) SignerKey() (ed25519.PrivateKey, error) {
	if c.SignerKeyHex == "" {
		_, prv, err := ed25519.GenerateKey(rand.Reader)
		return prv, errors.Wrap(err, "generating signer key")
	}
	bits, err := hex.DecodeString(c.SignerKeyHex)
	if err != nil {
		return nil, errors.Wrap(err, "parsing signer key")
	}
	if len(bits) != ed25519.PrivateKeySize {
		return nil, errors.New("signer key has the wrong length")
	}
	return ed25519.PrivateKey(bits), nil
}
