package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/MegaGrindStone/chatbot-widget/internal/widget"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type config struct {
	Port          string        `yaml:"port" env:"CHATWIDGET_PORT"`
	LogLevel      string        `yaml:"logLevel" env:"CHATWIDGET_LOG_LEVEL"`
	ArchivePath   string        `yaml:"archivePath" env:"CHATWIDGET_ARCHIVE_PATH"`
	MarkdownStyle string        `yaml:"markdownStyle" env:"CHATWIDGET_MARKDOWN_STYLE"`
	Widget        widget.Config `yaml:"widget"`
}

const configEnvKey = "CHATWIDGET_CONFIG"

// configPath returns the file the configuration is read from: $CHATWIDGET_CONFIG if set, otherwise
// server.yaml in the user config directory.
func configPath() (string, error) {
	if p := os.Getenv(configEnvKey); p != "" {
		return p, nil
	}

	cfgDir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("error getting user config dir: %w", err)
	}
	return filepath.Join(cfgDir, "chatbot-widget", "server.yaml"), nil
}

// loadConfig reads the YAML file at path, then applies environment overrides. A missing file is not an
// error: the server runs on defaults and environment only.
func loadConfig(path string) (config, error) {
	cfg := config{Port: "8080", LogLevel: "info"}

	f, err := os.Open(path)
	switch {
	case err == nil:
		defer f.Close()
		if err := yaml.NewDecoder(f).Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return config{}, fmt.Errorf("error decoding config file: %w", err)
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return config{}, fmt.Errorf("error opening config file: %w", err)
	}

	if err := env.Parse(&cfg); err != nil {
		return config{}, fmt.Errorf("error parsing environment: %w", err)
	}

	return cfg, nil
}

func (c config) slogLevel() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(c.LogLevel))); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	return l, nil
}
