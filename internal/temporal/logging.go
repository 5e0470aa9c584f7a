package temporal

import (
	"github.com/rs/zerolog"
	"go.temporal.io/sdk/log"
)

// ZerologAdapter implements the Temporal SDK logger on top of zerolog.
type ZerologAdapter struct {
	logger zerolog.Logger
}

var _ log.WithLogger = (*ZerologAdapter)(nil)

func NewLogger(logger zerolog.Logger) log.Logger {
	return &ZerologAdapter{
		logger: logger.With().Str("component", "temporal").Logger(),
	}
}

// fields turns Temporal's alternating key/value list into a zerolog field map.
func fields(keyvals []interface{}) map[string]interface{} {
	if len(keyvals) == 0 {
		return nil
	}
	if len(keyvals)%2 != 0 {
		keyvals = append(keyvals, "MISSING_VALUE")
	}
	out := make(map[string]interface{}, len(keyvals)/2)
	for i := 0; i < len(keyvals); i += 2 {
		key, ok := keyvals[i].(string)
		if !ok {
			key = "INVALID_KEY"
		}
		if err, isErr := keyvals[i+1].(error); isErr {
			out[key] = err.Error()
			continue
		}
		out[key] = keyvals[i+1]
	}
	return out
}

func (a *ZerologAdapter) Debug(msg string, keyvals ...interface{}) {
	a.logger.Debug().Fields(fields(keyvals)).Msg(msg)
}

func (a *ZerologAdapter) Info(msg string, keyvals ...interface{}) {
	a.logger.Info().Fields(fields(keyvals)).Msg(msg)
}

func (a *ZerologAdapter) Warn(msg string, keyvals ...interface{}) {
	a.logger.Warn().Fields(fields(keyvals)).Msg(msg)
}

func (a *ZerologAdapter) Error(msg string, keyvals ...interface{}) {
	a.logger.Error().Fields(fields(keyvals)).Msg(msg)
}

// With returns a logger that adds keyvals to every entry.
func (a *ZerologAdapter) With(keyvals ...interface{}) log.Logger {
	return &ZerologAdapter{logger: a.logger.With().Fields(fields(keyvals)).Logger()}
}
