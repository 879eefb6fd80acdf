package styletransfer

import (
	"context"
	"encoding/csv"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ProgressSink receives scalar metrics. It is a side channel: the core never
// reads anything back and makes no assumption about durability.
type ProgressSink interface {
	Record(metric string, value float64, step int)
}

// NopSink discards everything.
type NopSink struct{}

func (NopSink) Record(string, float64, int) {}

// LogSink writes each record as a structured log line.
type LogSink struct {
	Logger *slog.Logger
	Level  slog.Level
}

func (s LogSink) Record(metric string, value float64, step int) {
	l := s.Logger
	if l == nil {
		l = slog.Default()
	}
	l.Log(context.Background(), s.Level, "progress", "metric", metric, "value", value, "step", step)
}

// MultiSink fans a record out to several sinks.
type MultiSink []ProgressSink

func (m MultiSink) Record(metric string, value float64, step int) {
	for _, s := range m {
		s.Record(metric, value, step)
	}
}

// CSVSink appends rows of run,time,metric,step,value to w.
// Write errors are kept in Err and never surfaced to the caller of Record.
type CSVSink struct {
	mu  sync.Mutex
	w   *csv.Writer
	run string
	err error
}

// NewCSVSink writes a header row and tags every record with a fresh run id.
func NewCSVSink(w io.Writer) *CSVSink {
	s := &CSVSink{w: csv.NewWriter(w), run: uuid.NewString()}
	s.write([]string{"run", "time", "metric", "step", "value"})
	return s
}

// Run returns the run id written in the first column.
func (s *CSVSink) Run() string { return s.run }

func (s *CSVSink) Record(metric string, value float64, step int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.write([]string{
		s.run,
		time.Now().UTC().Format(time.RFC3339Nano),
		metric,
		strconv.Itoa(step),
		strconv.FormatFloat(value, 'g', -1, 64),
	})
}

func (s *CSVSink) write(row []string) {
	if s.err != nil {
		return
	}
	if err := s.w.Write(row); err != nil {
		s.err = err
		return
	}
	s.w.Flush()
	s.err = s.w.Error()
}

// Err returns the first write error, if any.
func (s *CSVSink) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
