// Package strategiclog is a throttled, buffered, category-based diagnostic
// sink. The audio and VAD paths produce events at near-kilohertz rates;
// writing each one straight to the log would starve the coordinator loop, so
// entries are buffered, de-duplicated, and flushed in batches. ERROR and
// CRITICAL entries bypass the buffer.
package strategiclog

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tutorvoice/engine/internal/clock"
)

// Category labels the subsystem an entry came from.
type Category string

const (
	VAD         Category = "VAD"
	Audio       Category = "AUDIO"
	Stream      Category = "STREAM"
	System      Category = "SYSTEM"
	Performance Category = "PERFORMANCE"
)

// Level is the entry severity.
type Level int

const (
	Debug Level = iota
	Info
	Warn
	Error
	Critical
)

func (l Level) logrus() logrus.Level {
	switch l {
	case Debug:
		return logrus.DebugLevel
	case Info:
		return logrus.InfoLevel
	case Warn:
		return logrus.WarnLevel
	default:
		// logrus has no CRITICAL; both map to error with a marker field.
		return logrus.ErrorLevel
	}
}

// Config controls buffering and throttling.
type Config struct {
	// MinLevel filters out lower-severity entries entirely.
	MinLevel Level
	// BufferSize forces a flush when the buffer reaches this many entries.
	BufferSize int
	// FlushInterval is the periodic timed flush.
	FlushInterval time.Duration
	// DedupWindow suppresses identical (category, level, message) entries
	// arriving within this window; the eventual flush carries a repeat count.
	DedupWindow time.Duration
}

// DefaultConfig returns the production buffering profile.
func DefaultConfig() Config {
	return Config{
		MinLevel:      Info,
		BufferSize:    50,
		FlushInterval: 2 * time.Second,
		DedupWindow:   time.Second,
	}
}

type entry struct {
	cat     Category
	level   Level
	msg     string
	at      time.Time
	repeats int
}

type dedupKey struct {
	cat   Category
	level Level
	msg   string
}

// Logger is the buffered sink. Safe for concurrent use.
type Logger struct {
	cfg  Config
	sink *logrus.Logger
	clk  clock.Clock

	mu     sync.Mutex
	buf    []*entry
	recent map[dedupKey]*entry

	stopOnce sync.Once
	stopCh   chan struct{}
	timer    clock.Timer
}

// New creates and starts a logger writing to sink.
func New(sink *logrus.Logger, clk clock.Clock, cfg Config) *Logger {
	if cfg.BufferSize <= 0 {
		cfg = DefaultConfig()
	}
	l := &Logger{
		cfg:    cfg,
		sink:   sink,
		clk:    clk,
		recent: make(map[dedupKey]*entry),
		stopCh: make(chan struct{}),
		timer:  clk.NewTimer(cfg.FlushInterval),
	}
	go l.flushLoop()
	return l
}

// Logf records one entry. ERROR and CRITICAL entries are written through
// immediately; everything else is buffered.
func (l *Logger) Logf(cat Category, level Level, format string, args ...any) {
	if level < l.cfg.MinLevel {
		return
	}
	msg := fmt.Sprintf(format, args...)
	now := l.clk.Now()

	if level >= Error {
		l.write(entry{cat: cat, level: level, msg: msg, at: now})
		return
	}

	l.mu.Lock()
	key := dedupKey{cat: cat, level: level, msg: msg}
	if prev, ok := l.recent[key]; ok && now.Sub(prev.at) < l.cfg.DedupWindow {
		prev.repeats++
		l.mu.Unlock()
		return
	}

	e := &entry{cat: cat, level: level, msg: msg, at: now}
	l.buf = append(l.buf, e)
	l.recent[key] = e
	full := len(l.buf) >= l.cfg.BufferSize
	l.mu.Unlock()

	if full {
		l.Flush()
	}
}

// Flush writes all buffered entries to the sink.
func (l *Logger) Flush() {
	l.mu.Lock()
	pending := l.buf
	l.buf = nil
	l.recent = make(map[dedupKey]*entry)
	l.mu.Unlock()

	for _, e := range pending {
		l.write(*e)
	}
}

// Close flushes and stops the periodic flusher.
func (l *Logger) Close() {
	l.stopOnce.Do(func() {
		close(l.stopCh)
		l.timer.Stop()
	})
	l.Flush()
}

func (l *Logger) flushLoop() {
	for {
		select {
		case <-l.timer.C():
			l.Flush()
			l.timer.Reset(l.cfg.FlushInterval)
		case <-l.stopCh:
			return
		}
	}
}

func (l *Logger) write(e entry) {
	fields := logrus.Fields{"category": string(e.cat)}
	if e.repeats > 0 {
		fields["repeats"] = e.repeats
	}
	if e.level >= Critical {
		fields["critical"] = true
	}
	l.sink.WithFields(fields).Log(e.level.logrus(), e.msg)
}
