package rlog

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/joeycumines/logiface"
)

// event is the concrete logiface.Event implementation backing the
// production adapter, shaped like logiface's own test fixtures (a minimal
// event type), kept small: a level, the message, and a buffer of rendered
// key=value pairs in field order, flushed as one logfmt-style line per
// record.
type event struct {
	logiface.UnimplementedEvent

	level logiface.Level
	msg   string
	buf   bytes.Buffer
}

func (e *event) Level() logiface.Level { return e.level }

func (e *event) AddField(key string, val any) {
	switch v := val.(type) {
	case error:
		fmt.Fprintf(&e.buf, " %s=%q", key, v.Error())
	case fmt.Stringer:
		fmt.Fprintf(&e.buf, " %s=%q", key, v.String())
	default:
		fmt.Fprintf(&e.buf, " %s=%v", key, val)
	}
}

func (e *event) AddMessage(msg string) bool {
	e.msg = msg
	return true
}

func (e *event) AddError(err error) bool {
	fmt.Fprintf(&e.buf, " error=%q", err.Error())
	return true
}

func (e *event) AddString(key, val string) bool {
	fmt.Fprintf(&e.buf, " %s=%q", key, val)
	return true
}

func (e *event) AddInt(key string, val int) bool {
	fmt.Fprintf(&e.buf, " %s=%d", key, val)
	return true
}

func (e *event) AddInt64(key string, val int64) bool {
	fmt.Fprintf(&e.buf, " %s=%d", key, val)
	return true
}

func (e *event) AddUint64(key string, val uint64) bool {
	fmt.Fprintf(&e.buf, " %s=%d", key, val)
	return true
}

func (e *event) AddFloat32(key string, val float32) bool {
	fmt.Fprintf(&e.buf, " %s=%g", key, val)
	return true
}

func (e *event) AddFloat64(key string, val float64) bool {
	fmt.Fprintf(&e.buf, " %s=%g", key, val)
	return true
}

func (e *event) AddBool(key string, val bool) bool {
	fmt.Fprintf(&e.buf, " %s=%t", key, val)
	return true
}

func (e *event) AddTime(key string, val time.Time) bool {
	fmt.Fprintf(&e.buf, " %s=%s", key, val.Format(time.RFC3339Nano))
	return true
}

func (e *event) AddDuration(key string, val time.Duration) bool {
	fmt.Fprintf(&e.buf, " %s=%s", key, val)
	return true
}

func (e *event) AddBase64Bytes(key string, val []byte, enc *base64.Encoding) bool {
	fmt.Fprintf(&e.buf, " %s=%s", key, enc.EncodeToString(val))
	return true
}

func (e *event) reset() {
	e.level = logiface.LevelDisabled
	e.msg = ""
	e.buf.Reset()
}

var eventPool = sync.Pool{New: func() any { return new(event) }}

func newEvent(level logiface.Level) *event {
	e := eventPool.Get().(*event)
	e.level = level
	return e
}

func releaseEvent(e *event) {
	e.reset()
	eventPool.Put(e)
}

// lineWriter renders one logfmt-ish line per event: "LEVEL msg key=val ...".
// The destination is any io.Writer, guarded by a mutex since multiple
// goroutines (reactor thread, worker goroutines) log concurrently.
type lineWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (lw *lineWriter) Write(e *event) error {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	_, err := fmt.Fprintf(lw.w, "%s %s%s\n", levelString(e.level), e.msg, e.buf.String())
	return err
}

func levelString(l logiface.Level) string {
	switch l {
	case logiface.LevelEmergency:
		return "EMERG"
	case logiface.LevelAlert:
		return "ALERT"
	case logiface.LevelCritical:
		return "CRIT"
	case logiface.LevelError:
		return "ERROR"
	case logiface.LevelWarning:
		return "WARN"
	case logiface.LevelNotice:
		return "NOTICE"
	case logiface.LevelInformational:
		return "INFO"
	case logiface.LevelDebug:
		return "DEBUG"
	case logiface.LevelTrace:
		return "TRACE"
	default:
		return "DISABLED"
	}
}
