// Package logger builds the service's structured loggers.
package logger

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Options describe the static fields and level of the root logger.
type Options struct {
	ServiceName string
	Env         string
	Level       string
	Output      io.Writer
}

// New creates the root zerolog.Logger. Unknown levels fall back to info.
func New(opts Options) zerolog.Logger {
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}
	ctx := zerolog.New(out).With().Timestamp()

	if opts.ServiceName != "" {
		ctx = ctx.Str("service", opts.ServiceName)
	}
	if opts.Env != "" {
		ctx = ctx.Str("env", opts.Env)
	}

	level, err := zerolog.ParseLevel(opts.Level)
	if err != nil || opts.Level == "" {
		level = zerolog.InfoLevel
	}

	return ctx.Logger().Level(level)
}

// Component returns a child logger tagged with a component name.
func Component(log zerolog.Logger, name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}
