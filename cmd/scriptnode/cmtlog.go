package main

import (
	"fmt"

	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/rs/zerolog"
)

// zerologAdapter routes CometBFT service logs into zerolog.
type zerologAdapter struct {
	logger zerolog.Logger
}

var _ cmtlog.Logger = zerologAdapter{}

func newCometLogger(logger zerolog.Logger) cmtlog.Logger {
	return zerologAdapter{logger: logger}
}

func (a zerologAdapter) Debug(msg string, keyvals ...interface{}) {
	withFields(a.logger.Debug(), keyvals).Msg(msg)
}

func (a zerologAdapter) Info(msg string, keyvals ...interface{}) {
	withFields(a.logger.Info(), keyvals).Msg(msg)
}

func (a zerologAdapter) Error(msg string, keyvals ...interface{}) {
	withFields(a.logger.Error(), keyvals).Msg(msg)
}

func (a zerologAdapter) With(keyvals ...interface{}) cmtlog.Logger {
	ctx := a.logger.With()
	for i := 0; i+1 < len(keyvals); i += 2 {
		ctx = ctx.Interface(fmt.Sprint(keyvals[i]), keyvals[i+1])
	}
	return zerologAdapter{logger: ctx.Logger()}
}

func withFields(evt *zerolog.Event, keyvals []interface{}) *zerolog.Event {
	for i := 0; i+1 < len(keyvals); i += 2 {
		key := fmt.Sprint(keyvals[i])
		if err, ok := keyvals[i+1].(error); ok {
			evt = evt.AnErr(key, err)
			continue
		}
		evt = evt.Interface(key, keyvals[i+1])
	}
	if len(keyvals)%2 == 1 {
		evt = evt.Interface("extra", keyvals[len(keyvals)-1])
	}
	return evt
}
