package configuration

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"
)

var (
	ErrConfigNotFound = errors.New("configuration file not found")
	ErrEnvNotSet      = errors.New("environment variable not set")
	ErrInvalidConfig  = errors.New("invalid configuration")
)

const (
	DefaultDir = "internal/static"
	BaseName   = "application"
	ProfileEnv = "CALLSYNC_PROFILE"
)

var envPattern = regexp.MustCompile(`\${([^}]+)}`)

// Load reads application.yml from dir and overlays application-<profile>.yml
// on top of it. The profile comes from override, then ProfileEnv, then
// app.profile in the base file. An empty profile skips the overlay.
func Load(dir, override string) (*Properties, error) {
	props := &Properties{}
	if err := LoadAndExpandYaml(dir, BaseName, props); err != nil {
		return nil, err
	}

	profile := override
	if profile == "" {
		profile = os.Getenv(ProfileEnv)
	}
	if profile == "" {
		profile = props.App.Profile
	}

	if profile != "" {
		if err := LoadAndExpandYaml(dir, BaseName+"-"+profile, props); err != nil {
			return nil, err
		}
		props.App.Profile = profile
	}

	delete(props.Transport.Peers, props.App.NodeID)

	if err := props.Validate(); err != nil {
		return nil, err
	}

	slog.Debug("configuration loaded", "dir", dir, "profile", props.App.Profile, "node_id", props.App.NodeID)
	return props, nil
}

// LoadAndExpandYaml decodes dir/name.yml into out after expanding ${VAR}
// references. Fields absent from the file keep their current values.
func LoadAndExpandYaml(dir, name string, out any) error {
	path := filepath.Join(dir, name+".yml")
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	expanded, err := ExpandEnvStrict(string(raw))
	if err != nil {
		return fmt.Errorf("expand %s: %w", path, err)
	}

	if err := yaml.Unmarshal([]byte(expanded), out); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// ExpandEnvStrict replaces every ${VAR} with its value and fails on the
// first variable that is not set.
func ExpandEnvStrict(s string) (string, error) {
	var missing error
	out := envPattern.ReplaceAllStringFunc(s, func(m string) string {
		name := envPattern.FindStringSubmatch(m)[1]
		val, ok := os.LookupEnv(name)
		if !ok && missing == nil {
			missing = fmt.Errorf("%w: %s", ErrEnvNotSet, name)
		}
		return val
	})
	if missing != nil {
		return "", missing
	}
	return out, nil
}
