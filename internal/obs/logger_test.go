package obs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newTestLogger() (*Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return &Logger{z: zap.New(core)}, logs
}

func TestLoggerWritesFieldsAndMessage(t *testing.T) {
	l, logs := newTestLogger()
	l.Info("page committed", String("component", "sapa"), Int("class", 3), Uint64("pages", 4))

	entries := logs.All()
	assert.Len(t, entries, 1)
	assert.Equal(t, "page committed", entries[0].Message)

	fields := entries[0].ContextMap()
	assert.Equal(t, "sapa", fields["component"])
	assert.EqualValues(t, 3, fields["class"])
	assert.EqualValues(t, 4, fields["pages"])
}

func TestLoggerWithAddsPersistentFields(t *testing.T) {
	l, logs := newTestLogger()
	child := l.With(String("component", "bulk"))
	child.Warn("growing arena")

	entries := logs.All()
	assert.Len(t, entries, 1)
	assert.Equal(t, "bulk", entries[0].ContextMap()["component"])
}

func TestNopLoggerDoesNotPanic(t *testing.T) {
	l := Nop()
	assert.NotPanics(t, func() {
		l.Info("hello", Err(nil))
	})
}
