// Package logging wires the structured logging used across the module: a
// stumpy (JSON lines) backed logiface logger, and a per-category rate limit
// for warnings that a misbehaving peer could otherwise flood.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// Logger is the logger type accepted throughout the module.
type Logger = logiface.Logger[logiface.Event]

// DefaultRates limits each category to 10 events per second, and 100 per
// minute.
var DefaultRates = map[time.Duration]int{
	time.Second: 10,
	time.Minute: 100,
}

// New returns a JSON logger writing to w (stderr if nil), at the given level.
func New(w io.Writer, level logiface.Level) *Logger {
	if w == nil {
		w = os.Stderr
	}
	return stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(w)),
		stumpy.L.WithLevel(level),
	).Logger()
}

// Limited gates log events by category, e.g. route id. A nil *Limited
// never suppresses events.
type Limited struct {
	logger  *Logger
	limiter *catrate.Limiter
}

// NewLimited wraps logger, using DefaultRates if rates is nil.
func NewLimited(logger *Logger, rates map[time.Duration]int) *Limited {
	if rates == nil {
		rates = DefaultRates
	}
	return &Limited{
		logger:  logger,
		limiter: catrate.NewLimiter(rates),
	}
}

// Logger returns the wrapped logger.
func (x *Limited) Logger() *Logger {
	if x == nil {
		return nil
	}
	return x.logger
}

// Build returns a builder at level, or nil if the category is currently rate
// limited. Nil builders are safe to use, and log nothing.
func (x *Limited) Build(level logiface.Level, category any) *logiface.Builder[logiface.Event] {
	if x == nil || x.logger == nil {
		return nil
	}
	b := x.logger.Build(level)
	if !b.Enabled() {
		return nil
	}
	if _, ok := x.limiter.Allow(category); !ok {
		b.Release()
		return nil
	}
	return b
}

// Warning is shorthand for Build(logiface.LevelWarning, category).
func (x *Limited) Warning(category any) *logiface.Builder[logiface.Event] {
	return x.Build(logiface.LevelWarning, category)
}
