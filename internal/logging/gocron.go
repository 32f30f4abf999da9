package logging

import (
	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog"
)

// gocronLogger implements gocron.Logger on top of zerolog.
type gocronLogger struct {
	l zerolog.Logger
}

// NewGocronLogger adapts l to the key/value logger gocron expects.
//
//nolint:ireturn // gocron's option takes the interface
func NewGocronLogger(l zerolog.Logger) gocron.Logger {
	return &gocronLogger{l: Component(l, "scheduler")}
}

func (g *gocronLogger) Debug(msg string, args ...any) { g.l.Debug().Fields(args).Msg(msg) }
func (g *gocronLogger) Info(msg string, args ...any)  { g.l.Info().Fields(args).Msg(msg) }
func (g *gocronLogger) Warn(msg string, args ...any)  { g.l.Warn().Fields(args).Msg(msg) }
func (g *gocronLogger) Error(msg string, args ...any) { g.l.Error().Fields(args).Msg(msg) }
