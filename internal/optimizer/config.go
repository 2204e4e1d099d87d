package optimizer

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"media-cache/internal/media"

	"gopkg.in/yaml.v3"
)

// DefaultMaxMemoryBytes bounds the size of assets loaded for optimization.
const DefaultMaxMemoryBytes = 20 << 20

// DefaultJPEGQuality is used when a jpeg processor does not set one.
const DefaultJPEGQuality = 82

// Config describes the optimizer pipeline.
type Config struct {
	MaxMemoryBytes int64             `yaml:"max_memory_bytes"`
	Processors     []ProcessorConfig `yaml:"processors"`
}

// ProcessorConfig configures one pipeline step.
type ProcessorConfig struct {
	Name       string   `yaml:"name"`
	Type       string   `yaml:"type"` // png, jpeg or command
	Extensions []string `yaml:"extensions"`

	// Alternate marks a codec that changes the output format. It only runs
	// when the caller asks for OutputExtension.
	Alternate       bool   `yaml:"alternate"`
	OutputExtension string `yaml:"output_extension"`

	Quality int `yaml:"quality"` // jpeg

	Command string        `yaml:"command"` // command
	Args    []string      `yaml:"args"`
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultConfig returns the built-in png and jpeg recompressors.
func DefaultConfig() Config {
	return Config{
		MaxMemoryBytes: DefaultMaxMemoryBytes,
		Processors: []ProcessorConfig{
			{Name: "jpeg", Type: TypeJPEG, Extensions: []string{"jpg", "jpeg"}, Quality: DefaultJPEGQuality},
			{Name: "png", Type: TypePNG, Extensions: []string{"png"}},
		},
	}
}

// LoadConfig reads a YAML pipeline definition. An empty path yields DefaultConfig.
func LoadConfig(path string) (Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read optimizer config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes and validates a YAML pipeline definition.
func ParseConfig(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse optimizer config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid optimizer config: %w", err)
	}
	return cfg, nil
}

func (c *Config) normalize() {
	if c.MaxMemoryBytes == 0 {
		c.MaxMemoryBytes = DefaultMaxMemoryBytes
	}
	for i := range c.Processors {
		p := &c.Processors[i]
		for j, ext := range p.Extensions {
			p.Extensions[j] = media.NormalizeExtension(ext)
		}
		p.OutputExtension = media.NormalizeExtension(p.OutputExtension)
		if p.Name == "" {
			p.Name = p.Type
		}
		if p.Type == TypeJPEG && p.Quality == 0 {
			p.Quality = DefaultJPEGQuality
		}
	}
}

// Validate checks the pipeline definition.
func (c *Config) Validate() error {
	if c.MaxMemoryBytes < 0 {
		return errors.New("max_memory_bytes must be >= 0")
	}
	for _, p := range c.Processors {
		if len(p.Extensions) == 0 {
			return fmt.Errorf("processor %q: extensions cannot be empty", p.Name)
		}
		if _, ok := factories[p.Type]; !ok {
			return fmt.Errorf("processor %q: unknown type %q", p.Name, p.Type)
		}
		if p.Alternate && p.OutputExtension == "" {
			return fmt.Errorf("processor %q: alternate codecs need output_extension", p.Name)
		}
		if p.Type == TypeCommand && p.Command == "" {
			return fmt.Errorf("processor %q: command cannot be empty", p.Name)
		}
		if p.Type == TypeJPEG && (p.Quality < 1 || p.Quality > 100) {
			return fmt.Errorf("processor %q: quality must be within 1..100", p.Name)
		}
	}
	return nil
}

// AlternateCodec reports whether an alternate output codec is configured for
// ext and, if so, the extension it produces.
func (c *Config) AlternateCodec(ext string) (string, bool) {
	ext = media.NormalizeExtension(ext)
	for _, p := range c.Processors {
		if p.Alternate && slices.Contains(p.Extensions, ext) {
			return p.OutputExtension, true
		}
	}
	return "", false
}
