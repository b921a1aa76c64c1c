package policy

import (
	"context"
	"log/slog"
	"time"
)

// Decision records one rule evaluation.
type Decision struct {
	Engine      Engine
	Rule        string
	Environment string
	Flag        string
	Required    bool
	Duration    time.Duration
	Err         error
}

// DecisionLogger observes rule evaluations.
type DecisionLogger interface {
	LogDecision(Decision)
}

// DecisionLoggerFunc adapts a function to DecisionLogger.
type DecisionLoggerFunc func(Decision)

func (f DecisionLoggerFunc) LogDecision(d Decision) {
	if f != nil {
		f(d)
	}
}

type noopDecisionLogger struct{}

func (noopDecisionLogger) LogDecision(Decision) {}

// SlogLogger writes decisions to logger: failures at warn, everything else
// at debug.
func SlogLogger(logger *slog.Logger) DecisionLogger {
	if logger == nil {
		return noopDecisionLogger{}
	}
	return DecisionLoggerFunc(func(d Decision) {
		level := slog.LevelDebug
		attrs := []slog.Attr{
			slog.String("engine", string(d.Engine)),
			slog.String("rule", d.Rule),
			slog.String("environment", d.Environment),
			slog.String("flag", d.Flag),
			slog.Bool("required", d.Required),
			slog.Duration("duration", d.Duration),
		}
		if d.Err != nil {
			level = slog.LevelWarn
			attrs = append(attrs, slog.Any("error", d.Err))
		}
		logger.LogAttrs(context.Background(), level, "routing rule evaluated", attrs...)
	})
}
