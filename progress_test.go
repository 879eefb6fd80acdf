package styletransfer

import (
	"bytes"
	"encoding/csv"
	"errors"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCSVSinkWritesRows(t *testing.T) {
	var buf bytes.Buffer
	sink := NewCSVSink(&buf)
	_, err := uuid.Parse(sink.Run())
	require.NoError(t, err)

	sink.Record("total_loss", 1.5, 0)
	sink.Record("style_loss", 0.25, 1)
	require.NoError(t, sink.Err())

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"run", "time", "metric", "step", "value"}, rows[0])
	assert.Equal(t, sink.Run(), rows[1][0])
	assert.Equal(t, []string{"total_loss", "0", "1.5"}, rows[1][2:])
	assert.Equal(t, []string{"style_loss", "1", "0.25"}, rows[2][2:])
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestCSVSinkKeepsWriteError(t *testing.T) {
	sink := NewCSVSink(failingWriter{})
	sink.Record("total_loss", 1, 0)
	assert.ErrorContains(t, sink.Err(), "disk full")
}

func TestLogSinkAndMultiSink(t *testing.T) {
	var buf bytes.Buffer
	log := LogSink{Logger: slog.New(slog.NewTextHandler(&buf, nil)), Level: slog.LevelInfo}
	counter := &countingSink{}
	MultiSink{log, counter, NopSink{}}.Record("content_loss", 2, 4)

	assert.Contains(t, buf.String(), "metric=content_loss")
	assert.Contains(t, buf.String(), "step=4")
	assert.Equal(t, []string{"content_loss"}, counter.records)

	buf.Reset()
	LogSink{Logger: slog.New(slog.NewTextHandler(&buf, nil)), Level: slog.LevelDebug}.Record("x", 1, 0)
	assert.Empty(t, buf.String())
}
