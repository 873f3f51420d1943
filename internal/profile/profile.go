package profile

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"openinterp/internal/config"
)

// Profile is a named preset that overrides parts of the configuration:
// which model to talk to, whether code runs unattended, and the system
// prompt additions. Unset fields leave the configuration untouched,
// hence the pointers.
type Profile struct {
	Name               string   `yaml:"name"`
	Description        string   `yaml:"description,omitempty"`
	Provider           string   `yaml:"provider,omitempty"`
	Model              string   `yaml:"model,omitempty"`
	AutoRun            *bool    `yaml:"autoRun,omitempty"`
	OSMode             *bool    `yaml:"osMode,omitempty"`
	CustomInstructions string   `yaml:"customInstructions,omitempty"`
	MaxIterations      *int     `yaml:"maxIterations,omitempty"`
	Temperature        *float64 `yaml:"temperature,omitempty"`
}

// DefaultDir returns the default profile directory (~/.openinterp/profiles).
func DefaultDir() string {
	return filepath.Join(config.DefaultConfigDir(), "profiles")
}

// LoadFromDirectory loads profile definitions from YAML files in a directory.
// Files must have a .yaml or .yml extension. Unparseable files are skipped
// with a warning so one bad profile does not break startup.
func LoadFromDirectory(dir string, logger *slog.Logger) ([]Profile, error) {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		logger.Debug("profile directory does not exist, skipping", "dir", dir)
		return nil, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read profile dir: %w", err)
	}

	var profiles []Profile
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}

		path := filepath.Join(dir, name)
		p, err := Load(path)
		if err != nil {
			logger.Warn("cannot load profile", "path", path, "err", err)
			continue
		}

		logger.Info("loaded profile", "name", p.Name, "path", path)
		profiles = append(profiles, p)
	}

	return profiles, nil
}

// Load reads a single profile file. A missing name falls back to the
// file name without extension.
func Load(path string) (Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, fmt.Errorf("read profile: %w", err)
	}

	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Profile{}, fmt.Errorf("parse profile: %w", err)
	}
	if p.Name == "" {
		base := filepath.Base(path)
		p.Name = strings.TrimSuffix(base, filepath.Ext(base))
	}
	return p, nil
}

// Find returns the profile with the given name, matched case-insensitively.
func Find(profiles []Profile, name string) (Profile, bool) {
	for _, p := range profiles {
		if strings.EqualFold(p.Name, name) {
			return p, true
		}
	}
	return Profile{}, false
}

// Apply overlays the profile's set fields onto the configuration.
func (p Profile) Apply(cfg *config.Config) {
	if p.Provider != "" {
		cfg.General.DefaultProvider = p.Provider
	}
	if p.Model != "" {
		name := cfg.General.DefaultProvider
		pc := cfg.Providers[name]
		pc.DefaultModel = p.Model
		if cfg.Providers == nil {
			cfg.Providers = make(map[string]config.ProviderConfig)
		}
		cfg.Providers[name] = pc
	}
	if p.AutoRun != nil {
		cfg.General.AutoRun = *p.AutoRun
	}
	if p.OSMode != nil {
		cfg.General.OSMode = *p.OSMode
	}
	if p.CustomInstructions != "" {
		cfg.General.CustomInstructions = p.CustomInstructions
	}
	if p.MaxIterations != nil {
		cfg.General.MaxIterations = *p.MaxIterations
	}
	if p.Temperature != nil {
		name := cfg.General.DefaultProvider
		pc := cfg.Providers[name]
		pc.Temperature = *p.Temperature
		if cfg.Providers == nil {
			cfg.Providers = make(map[string]config.ProviderConfig)
		}
		cfg.Providers[name] = pc
	}
}
