package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// FileLoader decodes one configuration file format
type FileLoader interface {
	Load(reader io.Reader, target interface{}) error
	Extensions() []string
}

// YAMLLoader loads YAML configuration files
type YAMLLoader struct{}

func (YAMLLoader) Load(reader io.Reader, target interface{}) error {
	decoder := yaml.NewDecoder(reader)
	decoder.KnownFields(true)
	if err := decoder.Decode(target); err != nil && err != io.EOF {
		return err
	}
	return nil
}

func (YAMLLoader) Extensions() []string { return []string{".yaml", ".yml"} }

// TOMLLoader loads TOML configuration files
type TOMLLoader struct{}

func (TOMLLoader) Load(reader io.Reader, target interface{}) error {
	md, err := toml.NewDecoder(reader).Decode(target)
	if err != nil {
		return err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("unknown keys: %v", undecoded)
	}
	return nil
}

func (TOMLLoader) Extensions() []string { return []string{".toml"} }

// Loader layers defaults, an optional file and environment variables.
type Loader struct {
	path        string
	fileLoaders map[string]FileLoader
	sources     []string
}

// NewLoader creates a loader for path. An empty path skips the file layer.
func NewLoader(path string) *Loader {
	l := &Loader{
		path:        path,
		fileLoaders: make(map[string]FileLoader),
	}
	l.RegisterLoader(YAMLLoader{})
	l.RegisterLoader(TOMLLoader{})
	return l
}

// RegisterLoader registers a loader for every extension it handles.
func (l *Loader) RegisterLoader(loader FileLoader) {
	for _, ext := range loader.Extensions() {
		l.fileLoaders[ext] = loader
	}
}

// Sources lists the layers the last Load used, lowest priority first.
func (l *Loader) Sources() []string {
	return l.sources
}

// Load builds and validates the configuration.
func (l *Loader) Load() (*Config, error) {
	cfg := Defaults()
	l.sources = []string{"defaults"}

	if l.path != "" {
		if err := l.loadFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", l.path, err)
		}
		l.sources = append(l.sources, l.path)
	}

	applyEnv(cfg)
	l.sources = append(l.sources, "environment")

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func (l *Loader) loadFile(cfg *Config) error {
	ext := strings.ToLower(filepath.Ext(l.path))
	loader, ok := l.fileLoaders[ext]
	if !ok {
		return fmt.Errorf("unsupported config format %q", ext)
	}

	file, err := os.Open(l.path)
	if err != nil {
		return err
	}
	defer file.Close()

	return loader.Load(file, cfg)
}

func isConfigFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".toml":
		return true
	}
	return false
}
