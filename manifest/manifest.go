// Package manifest describes a testee: the binary to launch, its arguments
// and the knobs of the bridge driving it. The manifest lives next to the
// testee project as a TOML file.
package manifest

import (
	"io"
	"os"
	"time"

	"bitbucket.org/creachadair/shell"
	"github.com/BurntSushi/toml"
	"github.com/blang/semver"
	"gopkg.in/src-d/go-errors.v1"

	"github.com/crossrun/sdk/launch"
)

// Filename is the default manifest file name.
const Filename = "crossrun.toml"

var (
	// ErrInvalidVersion is returned when the manifest version is not a
	// valid semantic version.
	ErrInvalidVersion = errors.NewKind("invalid manifest version %q")
	// ErrInvalidArgs is returned when the args string cannot be split
	// into shell words.
	ErrInvalidArgs = errors.NewKind("unbalanced quoting in args %q")
	// ErrMissingBinary is returned when the manifest names no testee
	// binary.
	ErrMissingBinary = errors.NewKind("manifest does not name a testee binary")
)

// Manifest describes one testee.
type Manifest struct {
	// Name identifies the testee project.
	Name string `toml:"name"`
	// Version is the testee version, a semantic version string.
	Version string `toml:"version,omitempty"`
	// Binary is the path of the testee executable.
	Binary string `toml:"binary"`
	// Args is the testee argument list as a single shell-quoted string.
	Args string `toml:"args,omitempty"`
	// Env is extra environment for the testee, in "key=value" form.
	Env []string `toml:"env,omitempty"`
	// Tests are the identifiers run when the caller names none.
	Tests []string `toml:"tests,omitempty"`

	Bridge struct {
		// PollIntervalMs is the port discovery poll interval.
		PollIntervalMs int `toml:"poll_interval_ms,omitempty"`
		// ConnectTimeoutMs bounds the socket connection attempt.
		ConnectTimeoutMs int `toml:"connect_timeout_ms,omitempty"`
	} `toml:"bridge,omitempty"`
}

// Load reads and validates a manifest from the given path.
func Load(path string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	m := &Manifest{}
	if err := m.Decode(f); err != nil {
		return nil, err
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Encode writes the manifest as TOML.
func (m *Manifest) Encode(w io.Writer) error {
	e := toml.NewEncoder(w)
	return e.Encode(m)
}

// Decode reads the manifest from TOML.
func (m *Manifest) Decode(r io.Reader) error {
	if _, err := toml.DecodeReader(r, m); err != nil {
		return err
	}

	return nil
}

// Validate checks the manifest fields.
func (m *Manifest) Validate() error {
	if m.Binary == "" {
		return ErrMissingBinary.New()
	}
	if m.Version != "" {
		if _, err := semver.Parse(m.Version); err != nil {
			return ErrInvalidVersion.Wrap(err, m.Version)
		}
	}
	if _, ok := shell.Split(m.Args); !ok {
		return ErrInvalidArgs.New(m.Args)
	}
	return nil
}

// SplitArgs returns the testee argument list.
func (m *Manifest) SplitArgs() ([]string, error) {
	args, ok := shell.Split(m.Args)
	if !ok {
		return nil, ErrInvalidArgs.New(m.Args)
	}
	return args, nil
}

// LaunchConfig builds the launch configuration for the testee.
func (m *Manifest) LaunchConfig() (*launch.Config, error) {
	args, err := m.SplitArgs()
	if err != nil {
		return nil, err
	}
	return &launch.Config{
		Binary: m.Binary,
		Args:   args,
		Env:    m.Env,
	}, nil
}

// PollInterval returns the configured port discovery poll interval, or zero
// when the bridge default applies.
func (m *Manifest) PollInterval() time.Duration {
	return time.Duration(m.Bridge.PollIntervalMs) * time.Millisecond
}

// ConnectTimeout returns the configured connection timeout, or zero when
// the bridge default applies.
func (m *Manifest) ConnectTimeout() time.Duration {
	return time.Duration(m.Bridge.ConnectTimeoutMs) * time.Millisecond
}
