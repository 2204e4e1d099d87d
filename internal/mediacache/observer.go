package mediacache

import (
	"log/slog"
)

// Observer receives the cache's diagnostics. err may be nil.
type Observer interface {
	Info(msg string, err error, args ...any)
	Warn(msg string, err error, args ...any)
	Error(msg string, err error, args ...any)
}

// SlogObserver writes diagnostics to a slog.Logger.
type SlogObserver struct {
	log *slog.Logger
}

// NewSlogObserver returns an Observer logging to log.
func NewSlogObserver(log *slog.Logger) *SlogObserver {
	if log == nil {
		log = slog.Default()
	}
	return &SlogObserver{log: log.With(slog.String("component", "mediacache"))}
}

func (o *SlogObserver) Info(msg string, err error, args ...any) {
	o.log.Info(msg, withError(err, args)...)
}

func (o *SlogObserver) Warn(msg string, err error, args ...any) {
	o.log.Warn(msg, withError(err, args)...)
}

func (o *SlogObserver) Error(msg string, err error, args ...any) {
	o.log.Error(msg, withError(err, args)...)
}

func withError(err error, args []any) []any {
	if err == nil {
		return args
	}
	return append(args, slog.String("error", err.Error()))
}
