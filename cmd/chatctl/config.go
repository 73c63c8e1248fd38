package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config is the chatctl configuration file.
type Config struct {
	Server       string `toml:"server"`
	StateFile    string `toml:"state_file"`
	HistoryFile  string `toml:"history_file"`
	Markdown     bool   `toml:"markdown"`
	WordWrap     int    `toml:"word_wrap"`
	DefaultModel string `toml:"default_model"`
	// Provider selects a cloud provider for logged-in chats; empty means Ollama.
	Provider string `toml:"provider"`
}

func defaultConfig(dir string) Config {
	return Config{
		Server:      "http://127.0.0.1:8090",
		StateFile:   filepath.Join(dir, "state.json"),
		HistoryFile: filepath.Join(dir, "history"),
		Markdown:    true,
		WordWrap:    80,
	}
}

// configDir is where chatctl keeps its files unless configured otherwise.
func configDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "ollamachat")
	}
	return filepath.Join(os.TempDir(), "ollamachat")
}

// loadConfig reads path over the defaults. A missing file is not an error.
// OLLAMACHAT_SERVER overrides the server address.
func loadConfig(path string) (Config, error) {
	dir := configDir()
	cfg := defaultConfig(dir)
	if path == "" {
		path = filepath.Join(dir, "chatctl.toml")
	}
	md, err := toml.DecodeFile(path, &cfg)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	default:
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return Config{}, fmt.Errorf("%s: unknown keys %s", path, strings.Join(keys, ", "))
		}
	}
	if server := os.Getenv("OLLAMACHAT_SERVER"); server != "" {
		cfg.Server = server
	}
	if cfg.Server == "" {
		return Config{}, errors.New("server address is empty")
	}
	if cfg.WordWrap <= 0 {
		cfg.WordWrap = 80
	}
	return cfg, nil
}
