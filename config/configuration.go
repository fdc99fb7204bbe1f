// Package config reads the proxy configuration from a YAML file and CLI
// flags, flags taking precedence.
package config

import (
	"os"
	"path/filepath"
	"runtime"
	"time"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	yaml "gopkg.in/yaml.v3"
)

var (
	// DefaultConfigFiles is the file names from which we attempt to read configuration.
	DefaultConfigFiles = []string{"config.yml", "config.yaml"}

	// Launchd doesn't set root env variables, so there is default
	defaultUserConfigDirs = []string{"~/.quicmitm"}
	defaultNixConfigDirs  = []string{"/etc/quicmitm", "/usr/local/etc/quicmitm"}
)

const (
	// FlagListen names the listen-address flag.
	FlagListen = "listen"
	// FlagUpstream names the upstream-address flag.
	FlagUpstream = "upstream"
	// FlagConfig names the config-file flag.
	FlagConfig = "config"
	// FlagConnectionIDLength names the connection-ID length flag.
	FlagConnectionIDLength = "quic-connection-id-length"
	// FlagSecretsLogFile names the SSLKEYLOGFILE flag.
	FlagSecretsLogFile = "secrets-log-file"
	// FlagMetrics names the metrics listen-address flag.
	FlagMetrics = "metrics"
	// FlagRoaming names the connection-migration flag.
	FlagRoaming = "roaming"

	defaultConnectionIDLength = 8
)

// Configuration is the file/flag surface of the proxy.
type Configuration struct {
	Listen   string `yaml:"listen"`
	Upstream string `yaml:"upstream"`

	// ConnectionIDLength is the host connection-ID length of every QUIC
	// engine instance.
	ConnectionIDLength int `yaml:"quic-connection-id-length"`

	// SecretsLogFile, when set, receives TLS master secrets in
	// SSLKEYLOGFILE format.
	SecretsLogFile string `yaml:"secrets-log-file"`

	Metrics string `yaml:"metrics"`

	// Roaming permits clients to migrate across UDP 4-tuples.
	Roaming bool `yaml:"roaming"`

	// StreamFlowLimit caps concurrently tracked stream flows. Zero means
	// unlimited.
	StreamFlowLimit uint64 `yaml:"stream-flow-limit"`

	// CloseAfterIdle tears idle connection handlers down.
	CloseAfterIdle time.Duration `yaml:"close-after-idle"`
}

// DefaultConfigSearchDirectories returns the directories searched for a
// config file when none is given explicitly.
func DefaultConfigSearchDirectories() []string {
	dirs := make([]string, len(defaultUserConfigDirs))
	copy(dirs, defaultUserConfigDirs)
	if runtime.GOOS != "windows" {
		dirs = append(dirs, defaultNixConfigDirs...)
	}
	return dirs
}

// FindDefaultConfigPath returns the first config file found in the search
// directories, or empty.
func FindDefaultConfigPath() string {
	for _, configDir := range DefaultConfigSearchDirectories() {
		for _, configFile := range DefaultConfigFiles {
			dirPath, err := homedir.Expand(configDir)
			if err != nil {
				continue
			}
			path := filepath.Join(dirPath, configFile)
			if ok := fileExists(path); ok {
				return path
			}
		}
	}
	return ""
}

func fileExists(path string) bool {
	fileStat, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !fileStat.IsDir()
}

// Read loads the configuration for the given CLI invocation: the YAML file
// (explicit or discovered) first, then flag overrides.
func Read(c *cli.Context) (*Configuration, error) {
	cfg := &Configuration{
		ConnectionIDLength: defaultConnectionIDLength,
		Roaming:            c.Bool(FlagRoaming),
	}

	path := c.String(FlagConfig)
	if path == "" {
		path = FindDefaultConfigPath()
	}
	if path != "" {
		file, err := os.Open(path)
		if err != nil {
			return nil, errors.Wrapf(err, "cannot open config file %s", path)
		}
		defer file.Close()
		if err := yaml.NewDecoder(file).Decode(cfg); err != nil {
			return nil, errors.Wrapf(err, "cannot parse config file %s", path)
		}
	}

	if c.IsSet(FlagListen) || cfg.Listen == "" {
		cfg.Listen = c.String(FlagListen)
	}
	if c.IsSet(FlagUpstream) || cfg.Upstream == "" {
		cfg.Upstream = c.String(FlagUpstream)
	}
	if c.IsSet(FlagConnectionIDLength) {
		cfg.ConnectionIDLength = c.Int(FlagConnectionIDLength)
	}
	if c.IsSet(FlagSecretsLogFile) {
		cfg.SecretsLogFile = c.String(FlagSecretsLogFile)
	}
	if c.IsSet(FlagMetrics) || cfg.Metrics == "" {
		cfg.Metrics = c.String(FlagMetrics)
	}
	if c.IsSet(FlagRoaming) {
		cfg.Roaming = c.Bool(FlagRoaming)
	}

	if cfg.Upstream == "" {
		return nil, errors.New("no upstream address configured")
	}
	if cfg.ConnectionIDLength <= 0 || cfg.ConnectionIDLength > 20 {
		return nil, errors.Errorf("invalid connection ID length %d", cfg.ConnectionIDLength)
	}
	return cfg, nil
}
