package optimizer

import (
	"context"
	"fmt"
	"slices"
)

// Statistics compares the input and result sizes of one run.
type Statistics struct {
	SizeBefore int64
	SizeAfter  int64
}

// BytesSaved is negative when the result grew.
func (s Statistics) BytesSaved() int64 {
	return s.SizeBefore - s.SizeAfter
}

// PercentSaved is the saved fraction of the input, in [0, 1] for shrinking results.
func (s Statistics) PercentSaved() float64 {
	if s.SizeBefore == 0 {
		return 0
	}
	return float64(s.BytesSaved()) / float64(s.SizeBefore)
}

// Args is the state passed through the pipeline.
type Args struct {
	Input     []byte
	Extension string
	// Alternate is set when the caller asked for an alternate output codec
	// configured for Extension.
	Alternate bool

	Result          []byte
	ResultExtension string
	Messages        []string
	Stats           Statistics
}

// NewArgs prepares pipeline state for input.
func NewArgs(input []byte, ext string, alternate bool) *Args {
	return &Args{
		Input:     input,
		Extension: ext,
		Alternate: alternate,
		Stats:     Statistics{SizeBefore: int64(len(input))},
	}
}

// AddMessage records a note explaining why a step did nothing.
func (a *Args) AddMessage(format string, v ...any) {
	a.Messages = append(a.Messages, fmt.Sprintf(format, v...))
}

// SetResult stores the optimized bytes and their extension.
func (a *Args) SetResult(data []byte, ext string) {
	a.Result = data
	a.ResultExtension = ext
	a.Stats.SizeAfter = int64(len(data))
}

// Processor is one pipeline step.
type Processor interface {
	Name() string
	// Applies reports whether the step handles args.
	Applies(args *Args) bool
	Process(ctx context.Context, args *Args) error
}

// Pipeline runs processors in order until one produces a result.
type Pipeline struct {
	processors []Processor
}

// NewPipeline orders alternate codecs ahead of the default processors so a
// requested format change is attempted first.
func NewPipeline(processors ...Processor) *Pipeline {
	ordered := slices.Clone(processors)
	slices.SortStableFunc(ordered, func(a, b Processor) int {
		return boolRank(isAlternate(a)) - boolRank(isAlternate(b))
	})
	return &Pipeline{processors: ordered}
}

// Run executes the pipeline. The first error aborts the run.
func (p *Pipeline) Run(ctx context.Context, args *Args) error {
	for _, proc := range p.processors {
		if args.Result != nil {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !proc.Applies(args) {
			continue
		}
		if err := proc.Process(ctx, args); err != nil {
			return fmt.Errorf("%s: %w", proc.Name(), err)
		}
	}
	return nil
}

// Len returns the number of processors.
func (p *Pipeline) Len() int {
	return len(p.processors)
}

type alternateCodec interface {
	alternate() bool
}

func isAlternate(p Processor) bool {
	a, ok := p.(alternateCodec)
	return ok && a.alternate()
}

func boolRank(b bool) int {
	if b {
		return 0
	}
	return 1
}
