// Package testlog routes test output through the node's logging setup.
package testlog

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/scriptnode/internal/logging"
)

func Start(t *testing.T) {
	t.Helper()
	logging.ConfigureTests()
	log.Info().Str("test", t.Name()).Msg("start")
	t.Cleanup(func() {
		if t.Failed() {
			log.Warn().Str("test", t.Name()).Msg("failed")
		}
	})
}

// Component returns the logger a node component would get, tagged with the test.
func Component(t *testing.T, name string) zerolog.Logger {
	t.Helper()
	logging.ConfigureTests()
	return log.Logger.With().Str("component", name).Str("test", t.Name()).Logger()
}

// Capture returns a JSON logger writing into the returned buffer.
func Capture(t *testing.T, name string) (zerolog.Logger, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	logger := logging.New(logging.Config{Level: zerolog.DebugLevel, JSON: true, Out: &buf})
	return logger.With().Str("component", name).Logger(), &buf
}
