package log //nolint:testpackage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureLogger(buf *bytes.Buffer) Logger {
	zl := zerolog.New(buf).Level(zerolog.TraceLevel)

	return Logger{zl: &zl}
}

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()

	var m map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &m))

	return m
}

func TestLoggerWithAttrs(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	lg := captureLogger(&buf).With(
		Scope("applier"),
		OpTime(8, 3),
		Op("i"),
		NS("db", "coll"),
		Source("m1", "shard0"),
		Int("n", 2),
		Elapsed(1500*time.Millisecond),
	)

	lg.Info("batch applied")

	m := decodeLine(t, &buf)
	assert.Equal(t, "info", m["level"])
	assert.Equal(t, "batch applied", m["message"])
	assert.Equal(t, "applier", m["s"])
	assert.Equal(t, "8.3", m["ts"])
	assert.Equal(t, "i", m["op"])
	assert.Equal(t, "db.coll", m["ns"])
	assert.Equal(t, "m1", m["migration"])
	assert.Equal(t, "shard0", m["donor"])
	assert.InDelta(t, 2, m["n"], 0)
}

func TestLoggerError(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	captureLogger(&buf).Errorf(errors.New("boom"), "apply %d", 7)

	m := decodeLine(t, &buf)
	assert.Equal(t, "error", m["level"])
	assert.Equal(t, "boom", m["error"])
	assert.Equal(t, "apply 7", m["message"])
}

func TestLoggerContextRoundTrip(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	lg := captureLogger(&buf).With(Str("k", "v"))

	ctx := lg.WithContext(context.Background())
	Ctx(ctx).Debug("from ctx")

	m := decodeLine(t, &buf)
	assert.Equal(t, "v", m["k"])
}

func TestZeroLoggerIsUsable(t *testing.T) {
	t.Parallel()

	assert.NotPanics(t, func() {
		Logger{}.With(Scope("x")).Trace("noop")
	})
}
