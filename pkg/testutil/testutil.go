// Package testutil holds helpers shared by package tests: a zerolog capture
// writer, a reusable suite for scheduled jobs and a recording alert
// dispatcher.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/lucid-vigil/healthguard/pkg/alerts"
)

// LogEntry is one decoded zerolog line.
type LogEntry struct {
	Level   string
	Message string
	Fields  map[string]interface{}
}

// LogCapture is an io.Writer that collects zerolog JSON output.
type LogCapture struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func NewLogCapture() *LogCapture {
	return &LogCapture{}
}

// Logger returns a logger writing into the capture at every level.
func (lc *LogCapture) Logger() zerolog.Logger {
	return zerolog.New(lc).Level(zerolog.TraceLevel)
}

func (lc *LogCapture) Write(p []byte) (int, error) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.buf.Write(p)
}

// Entries decodes everything written so far. Lines that are not JSON are
// skipped.
func (lc *LogCapture) Entries() []LogEntry {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	var entries []LogEntry
	for _, line := range strings.Split(lc.buf.String(), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := map[string]interface{}{}
		if err := json.Unmarshal([]byte(line), &fields); err != nil {
			continue
		}
		entry := LogEntry{Fields: fields}
		entry.Level, _ = fields[zerolog.LevelFieldName].(string)
		entry.Message, _ = fields[zerolog.MessageFieldName].(string)
		delete(fields, zerolog.LevelFieldName)
		delete(fields, zerolog.MessageFieldName)
		entries = append(entries, entry)
	}
	return entries
}

// Find returns the first entry with the given message.
func (lc *LogCapture) Find(message string) (LogEntry, bool) {
	for _, e := range lc.Entries() {
		if e.Message == message {
			return e, true
		}
	}
	return LogEntry{}, false
}

func (lc *LogCapture) Reset() {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	lc.buf.Reset()
}

// Job mirrors scheduler.Job.
type Job interface {
	Name() string
	Run(ctx context.Context)
}

// JobTestSuite runs the checks every scheduled job must pass.
type JobTestSuite struct {
	t           *testing.T
	job         Job
	testTimeout time.Duration
}

func NewJobTestSuite(t *testing.T, job Job) *JobTestSuite {
	return &JobTestSuite{t: t, job: job, testTimeout: 5 * time.Second}
}

// WithTimeout sets the upper bound for a single run.
func (s *JobTestSuite) WithTimeout(timeout time.Duration) *JobTestSuite {
	s.testTimeout = timeout
	return s
}

func (s *JobTestSuite) RunBasicTests() {
	s.t.Run("TestJobName", s.testJobName)
	s.t.Run("TestJobRun", s.testJobRun)
	s.t.Run("TestJobCancelled", s.testJobCancelled)
	s.t.Run("TestJobConcurrency", s.testJobConcurrency)
}

func (s *JobTestSuite) testJobName(t *testing.T) {
	name := s.job.Name()
	assert.NotEmpty(t, name, "Job name should not be empty")
	assert.NotContains(t, name, " ", "Job name should not contain spaces")
}

func (s *JobTestSuite) testJobRun(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), s.testTimeout)
	defer cancel()

	start := time.Now()
	assert.NotPanics(t, func() { s.job.Run(ctx) }, "Job Run should not panic")
	assert.Less(t, time.Since(start), s.testTimeout, "Job should finish within its timeout")
}

func (s *JobTestSuite) testJobCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NotPanics(t, func() { s.job.Run(ctx) }, "Job Run should tolerate a cancelled context")
}

func (s *JobTestSuite) testJobConcurrency(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), s.testTimeout)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.job.Run(ctx)
		}()
	}
	wg.Wait()
}

// RecordingDispatcher collects dispatched alerts.
type RecordingDispatcher struct {
	mu     sync.Mutex
	alerts []*alerts.Alert
}

func NewRecordingDispatcher() *RecordingDispatcher {
	return &RecordingDispatcher{}
}

func (d *RecordingDispatcher) Dispatch(_ context.Context, a *alerts.Alert) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.alerts = append(d.alerts, a)
}

func (d *RecordingDispatcher) Alerts() []*alerts.Alert {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*alerts.Alert(nil), d.alerts...)
}
