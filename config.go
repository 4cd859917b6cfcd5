package offlinegateway

import (
	"fmt"
	"net/url"
	"os"

	"github.com/offline-gateway/offline-gateway/cache"

	"gopkg.in/yaml.v3"
)

// FileConfig is the on-disk gateway configuration.
type FileConfig struct {
	Version string         `yaml:"version"`
	App     AppConfig      `yaml:"app"`
	Remotes []RemoteConfig `yaml:"remotes"`
}

// AppConfig describes the dashboard shell: the hostname it is served
// under, its origin server, and the shell manifest pre-cached at install.
type AppConfig struct {
	Host   string   `yaml:"host"`
	Origin string   `yaml:"origin"`
	Shell  []string `yaml:"shell"`
}

// RemoteConfig is one allow-listed remote host and its upstream origin.
type RemoteConfig struct {
	Host   string `yaml:"host"`
	Origin string `yaml:"origin"`
}

// LoadConfig reads and validates the configuration file.
func LoadConfig(filename string) (FileConfig, error) {
	var config FileConfig
	configBytes, err := os.ReadFile(filename)
	if err != nil {
		return config, err
	}
	if err := yaml.Unmarshal(configBytes, &config); err != nil {
		return config, err
	}
	return config, config.Validate()
}

// Validate checks the configuration for the mistakes that would otherwise
// only surface as misses at serving time.
func (c FileConfig) Validate() error {
	if c.Version == "" {
		return fmt.Errorf("config: version required")
	}
	if c.App.Host == "" {
		return fmt.Errorf("config: app host required")
	}
	if _, err := url.Parse(c.App.Origin); c.App.Origin == "" || err != nil {
		return fmt.Errorf("config: invalid app origin %q", c.App.Origin)
	}
	if len(c.App.Shell) == 0 {
		return fmt.Errorf("config: shell manifest required")
	}
	hasRoot := false
	for _, path := range c.App.Shell {
		if path == rootDocument {
			hasRoot = true
		}
	}
	if !hasRoot {
		return fmt.Errorf("config: shell manifest must contain the root document %q", rootDocument)
	}
	for _, remote := range c.Remotes {
		if remote.Host == "" {
			return fmt.Errorf("config: remote host required")
		}
		if _, err := url.Parse(remote.Origin); remote.Origin == "" || err != nil {
			return fmt.Errorf("config: invalid origin %q for remote %s", remote.Origin, remote.Host)
		}
	}
	return nil
}

// GatewayConfig converts the file configuration into a gateway Config
// backed by the given provider.
func (c FileConfig) GatewayConfig(provider cache.CacheProvider) (Config, error) {
	originURL, err := url.Parse(c.App.Origin)
	if err != nil {
		return Config{}, fmt.Errorf("config: parse app origin: %w", err)
	}
	remotes := make(map[string]url.URL, len(c.Remotes))
	for _, remote := range c.Remotes {
		remoteURL, err := url.Parse(remote.Origin)
		if err != nil {
			return Config{}, fmt.Errorf("config: parse origin for remote %s: %w", remote.Host, err)
		}
		remotes[remote.Host] = *remoteURL
	}
	return Config{
		Cache:     provider,
		Version:   c.Version,
		AppHost:   c.App.Host,
		OriginURL: *originURL,
		Shell:     c.App.Shell,
		Remotes:   remotes,
	}, nil
}
