// Package reporter fans classified run events out to a rotating JSON log
// file, the process logger and the state store.
package reporter

import (
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/juju/lumberjack/v2"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/upgradoor/pkg/config"
	"github.com/ethpandaops/upgradoor/pkg/store"
)

// EventSink persists step events.
type EventSink interface {
	AppendEvent(ctx context.Context, event *store.StepEvent) error
}

// Reporter writes every event to all configured sinks. Each sink is
// best-effort: a failing sink is logged once per failure and never blocks
// the others or the caller.
type Reporter struct {
	log    logrus.FieldLogger
	file   logrus.FieldLogger
	events EventSink

	runID *uint
	step  string

	closeOnce sync.Once
	closer    io.Closer
}

// New creates a Reporter. A zero LogFileConfig path disables the file sink
// and a nil EventSink disables persistence.
func New(log logrus.FieldLogger, cfg config.LogFileConfig, events EventSink) *Reporter {
	r := &Reporter{
		log:    log.WithField("component", "reporter"),
		events: events,
	}

	if cfg.Path != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.Path,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}

		fileLog := logrus.New()
		fileLog.SetOutput(rotator)
		fileLog.SetFormatter(&logrus.JSONFormatter{})
		fileLog.SetLevel(logrus.InfoLevel)

		r.file = fileLog
		r.closer = rotator
	}

	return r
}

// NewWithWriter creates a Reporter whose file sink writes JSON lines to w.
func NewWithWriter(log logrus.FieldLogger, w io.Writer, events EventSink) *Reporter {
	fileLog := logrus.New()
	fileLog.SetOutput(w)
	fileLog.SetFormatter(&logrus.JSONFormatter{})

	return &Reporter{
		log:    log.WithField("component", "reporter"),
		file:   fileLog,
		events: events,
	}
}

// ForRun returns a Reporter whose events are attributed to the run.
func (r *Reporter) ForRun(id uint) *Reporter {
	child := r.clone()
	child.runID = &id

	return child
}

// WithStep returns a Reporter whose events carry the step name.
func (r *Reporter) WithStep(name string) *Reporter {
	child := r.clone()
	child.step = name

	return child
}

// RunID returns the run the reporter is bound to, if any.
func (r *Reporter) RunID() *uint {
	return r.runID
}

func (r *Reporter) clone() *Reporter {
	return &Reporter{
		log:    r.log,
		file:   r.file,
		events: r.events,
		runID:  r.runID,
		step:   r.step,
	}
}

func (r *Reporter) Info(ctx context.Context, msg string, fields logrus.Fields) {
	r.emit(ctx, logrus.InfoLevel, msg, fields)
}

func (r *Reporter) Warn(ctx context.Context, msg string, fields logrus.Fields) {
	r.emit(ctx, logrus.WarnLevel, msg, fields)
}

func (r *Reporter) Error(ctx context.Context, msg string, fields logrus.Fields) {
	r.emit(ctx, logrus.ErrorLevel, msg, fields)
}

func (r *Reporter) emit(ctx context.Context, level logrus.Level, msg string, fields logrus.Fields) {
	all := make(logrus.Fields, len(fields)+2)
	for k, v := range fields {
		all[k] = v
	}

	if r.runID != nil {
		all["run_id"] = *r.runID
	}

	if r.step != "" {
		all["step"] = r.step
	}

	if r.file != nil {
		r.file.WithFields(all).Log(level, msg)
	}

	r.log.WithFields(all).Log(level, msg)

	if r.events == nil {
		return
	}

	event := &store.StepEvent{
		RunID:   r.runID,
		Level:   eventLevel(level),
		Step:    r.step,
		Message: msg,
		Context: encodeContext(fields),
	}

	if err := r.events.AppendEvent(ctx, event); err != nil {
		r.log.WithError(err).Warn("Failed to persist event")
	}
}

// Close flushes and closes the file sink.
func (r *Reporter) Close() error {
	var err error

	r.closeOnce.Do(func() {
		if r.closer != nil {
			err = r.closer.Close()
		}
	})

	return err
}

func eventLevel(level logrus.Level) string {
	switch level {
	case logrus.WarnLevel:
		return store.LevelWarning
	case logrus.ErrorLevel, logrus.FatalLevel, logrus.PanicLevel:
		return store.LevelError
	default:
		return store.LevelInfo
	}
}

// encodeContext serializes event fields, replacing errors with their
// message so they survive JSON encoding.
func encodeContext(fields logrus.Fields) string {
	if len(fields) == 0 {
		return ""
	}

	clean := make(map[string]any, len(fields))

	for k, v := range fields {
		if err, ok := v.(error); ok {
			clean[k] = err.Error()

			continue
		}

		clean[k] = v
	}

	data, err := json.Marshal(clean)
	if err != nil {
		return ""
	}

	return string(data)
}
