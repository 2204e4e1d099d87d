package optimizer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/jpeg"
	"image/png"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"time"
)

// Processor types accepted in configuration.
const (
	TypePNG     = "png"
	TypeJPEG    = "jpeg"
	TypeCommand = "command"
)

const defaultCommandTimeout = 30 * time.Second

type factory func(cfg ProcessorConfig) (Processor, error)

// factories maps a processor type to its constructor.
var factories = map[string]factory{
	TypePNG: func(cfg ProcessorConfig) (Processor, error) {
		return &pngProcessor{extensionFilter: newExtensionFilter(cfg)}, nil
	},
	TypeJPEG: func(cfg ProcessorConfig) (Processor, error) {
		return &jpegProcessor{extensionFilter: newExtensionFilter(cfg), quality: cfg.Quality}, nil
	},
	TypeCommand: func(cfg ProcessorConfig) (Processor, error) {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultCommandTimeout
		}
		return &commandProcessor{
			extensionFilter: newExtensionFilter(cfg),
			command:         cfg.Command,
			args:            slices.Clone(cfg.Args),
			timeout:         timeout,
		}, nil
	},
}

// NewProcessor builds the processor described by cfg.
func NewProcessor(cfg ProcessorConfig) (Processor, error) {
	f, ok := factories[cfg.Type]
	if !ok {
		return nil, fmt.Errorf("unknown processor type %q", cfg.Type)
	}
	return f(cfg)
}

// extensionFilter selects inputs by extension and handles the alternate
// codec flag shared by all processor types.
type extensionFilter struct {
	name       string
	extensions []string
	isAlt      bool
	outputExt  string
}

func newExtensionFilter(cfg ProcessorConfig) extensionFilter {
	return extensionFilter{
		name:       cfg.Name,
		extensions: slices.Clone(cfg.Extensions),
		isAlt:      cfg.Alternate,
		outputExt:  cfg.OutputExtension,
	}
}

func (f extensionFilter) Name() string { return f.name }

func (f extensionFilter) alternate() bool { return f.isAlt }

func (f extensionFilter) Applies(args *Args) bool {
	if f.isAlt && !args.Alternate {
		return false
	}
	return slices.Contains(f.extensions, args.Extension)
}

// resultExtension is the extension of bytes this step produces.
func (f extensionFilter) resultExtension(args *Args) string {
	if f.isAlt {
		return f.outputExt
	}
	return args.Extension
}

// keepIfSmaller sets out as the result only when it saves bytes.
func (f extensionFilter) keepIfSmaller(args *Args, out []byte) {
	if !f.isAlt && len(out) >= len(args.Input) {
		args.AddMessage("%s: re-encoding saved no bytes", f.name)
		return
	}
	args.SetResult(out, f.resultExtension(args))
}

type pngProcessor struct {
	extensionFilter
}

func (p *pngProcessor) Process(_ context.Context, args *Args) error {
	img, err := png.Decode(bytes.NewReader(args.Input))
	if err != nil {
		return fmt.Errorf("decode png: %w", err)
	}
	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.BestCompression}
	if err := enc.Encode(&buf, img); err != nil {
		return fmt.Errorf("encode png: %w", err)
	}
	p.keepIfSmaller(args, buf.Bytes())
	return nil
}

type jpegProcessor struct {
	extensionFilter
	quality int
}

func (p *jpegProcessor) Process(_ context.Context, args *Args) error {
	img, err := jpeg.Decode(bytes.NewReader(args.Input))
	if err != nil {
		return fmt.Errorf("decode jpeg: %w", err)
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: p.quality}); err != nil {
		return fmt.Errorf("encode jpeg: %w", err)
	}
	p.keepIfSmaller(args, buf.Bytes())
	return nil
}

// commandProcessor runs an external optimizer such as cwebp or jpegtran.
// The placeholders {in} and {out} in args are replaced with temp file paths.
type commandProcessor struct {
	extensionFilter
	command string
	args    []string
	timeout time.Duration
}

func (p *commandProcessor) Process(ctx context.Context, args *Args) error {
	dir, err := os.MkdirTemp("", "media-optimize-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	in := filepath.Join(dir, "in."+args.Extension)
	out := filepath.Join(dir, "out."+p.resultExtension(args))
	if err := os.WriteFile(in, args.Input, 0o600); err != nil {
		return err
	}

	argv := make([]string, len(p.args))
	for i, a := range p.args {
		argv[i] = strings.NewReplacer("{in}", in, "{out}", out).Replace(a)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, p.command, argv...) //nolint:gosec // command comes from operator config
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("run %s: %w: %s", p.command, err, msg)
		}
		return fmt.Errorf("run %s: %w", p.command, err)
	}

	data, err := os.ReadFile(out)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			args.AddMessage("%s: %s produced no output", p.name, p.command)
			return nil
		}
		return err
	}
	if len(data) == 0 {
		args.AddMessage("%s: %s produced an empty file", p.name, p.command)
		return nil
	}
	p.keepIfSmaller(args, data)
	return nil
}
