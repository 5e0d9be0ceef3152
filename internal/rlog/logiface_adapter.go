package rlog

import (
	"io"

	"github.com/joeycumines/logiface"
)

// logifaceAdapter satisfies Logger by delegating to a
// github.com/joeycumines/logiface.Logger[*event], a structured-logging
// facade. It is an alternative to NoOp; nothing in the module installs it
// by default.
type logifaceAdapter struct {
	log *logiface.Logger[*event]
}

// NewLogifaceAdapter builds a Logger that writes one line per record to w,
// filtering anything below minLevel. Pass logiface.LevelInformational for
// typical production use, logiface.LevelDebug for verbose diagnostics.
func NewLogifaceAdapter(w io.Writer, minLevel logiface.Level) Logger {
	return &logifaceAdapter{
		log: logiface.New[*event](
			logiface.WithLevel[*event](minLevel),
			logiface.WithEventFactory[*event](logiface.NewEventFactoryFunc(newEvent)),
			logiface.WithEventReleaser[*event](logiface.NewEventReleaserFunc(releaseEvent)),
			logiface.WithWriter[*event](&lineWriter{w: w}),
		),
	}
}

func (a *logifaceAdapter) Debug(msg string, fields ...Field) {
	log(a.log.Debug(), msg, fields)
}

func (a *logifaceAdapter) Info(msg string, fields ...Field) {
	log(a.log.Info(), msg, fields)
}

func (a *logifaceAdapter) Warn(msg string, fields ...Field) {
	log(a.log.Warning(), msg, fields)
}

func (a *logifaceAdapter) Error(msg string, fields ...Field) {
	log(a.log.Err(), msg, fields)
}

func log(b *logiface.Builder[*event], msg string, fields []Field) {
	for _, f := range fields {
		b = b.Field(f.Key, f.Value)
	}
	b.Log(msg)
}
