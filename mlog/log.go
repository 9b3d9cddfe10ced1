// Package mlog provides logging with log levels and structured attributes.
//
// Log is a small wrapper around slog.Logger. Messages should be constant
// strings, with variable data in attributes, for easier log processing.
//
// Log levels are configured per originating package (the "pkg" attribute),
// application-global, changeable at runtime.
package mlog

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var noctx = context.Background()

// Levels, including those not native to slog. Traceauth and tracedata are
// for protocol lines carrying credentials or message data.
const (
	LevelTrace     slog.Level = -8
	LevelTraceauth slog.Level = -12
	LevelTracedata slog.Level = -16
)

// LevelStrings map a level to the string used in configuration.
var LevelStrings = map[slog.Level]string{
	LevelTracedata:  "tracedata",
	LevelTraceauth:  "traceauth",
	LevelTrace:      "trace",
	slog.LevelDebug: "debug",
	slog.LevelInfo:  "info",
	slog.LevelWarn:  "warn",
	slog.LevelError: "error",
}

// Levels map configuration strings to a level.
var Levels = map[string]slog.Level{
	"tracedata": LevelTracedata,
	"traceauth": LevelTraceauth,
	"trace":     LevelTrace,
	"debug":     slog.LevelDebug,
	"info":      slog.LevelInfo,
	"warn":      slog.LevelWarn,
	"error":     slog.LevelError,
}

// Map from pkg to level. The empty string is the default/fallback.
var config atomic.Value

func init() {
	config.Store(map[string]slog.Level{"": slog.LevelInfo})
}

// SetConfig atomically sets the log levels used by all Log instances.
func SetConfig(c map[string]slog.Level) {
	config.Store(c)
}

var cid atomic.Int64

func init() {
	cid.Store(time.Now().UnixMilli())
}

// Cid returns a new unique connection/operation id for use in logging.
func Cid() int64 {
	return cid.Add(1)
}

type key string

// CidKey stores a cid in a context, for logging.
var CidKey key = "cid"

// Log wraps an slog.Logger.
type Log struct {
	*slog.Logger
}

// New returns a Log that adds attribute "pkg" to each logged line. If parent
// is nil, the default handler is used.
func New(pkg string, parent *slog.Logger) Log {
	if parent == nil {
		parent = slog.New(&handler{})
	}
	return Log{parent}.WithPkg(pkg)
}

// WithCid adds attribute "cid" to each logged line.
func (l Log) WithCid(cid int64) Log {
	return Log{l.Logger.With(slog.Int64("cid", cid))}
}

// WithContext adds the cid from ctx, if present.
func (l Log) WithContext(ctx context.Context) Log {
	cidv := ctx.Value(CidKey)
	if cidv == nil {
		return l
	}
	return l.WithCid(cidv.(int64))
}

// WithPkg adds attribute "pkg", unless already present.
func (l Log) WithPkg(pkg string) Log {
	h := l.Logger.Handler()
	if ph, ok := h.(interface{ HasPkg(string) bool }); ok && ph.HasPkg(pkg) {
		return l
	}
	return Log{l.Logger.With(slog.String("pkg", pkg))}
}

// WithFunc calls fn for each logged line, adding its attributes. Useful for
// attributes that change during the lifetime of a connection.
func (l Log) WithFunc(fn func() []slog.Attr) Log {
	return Log{slog.New(funcHandler{l.Logger.Handler(), fn})}
}

func (l Log) Debug(msg string, attrs ...slog.Attr) {
	l.Logger.LogAttrs(noctx, slog.LevelDebug, msg, attrs...)
}

func (l Log) Debugx(msg string, err error, attrs ...slog.Attr) {
	if err != nil {
		attrs = append([]slog.Attr{slog.Any("err", err)}, attrs...)
	}
	l.Logger.LogAttrs(noctx, slog.LevelDebug, msg, attrs...)
}

func (l Log) Info(msg string, attrs ...slog.Attr) {
	l.Logger.LogAttrs(noctx, slog.LevelInfo, msg, attrs...)
}

func (l Log) Infox(msg string, err error, attrs ...slog.Attr) {
	if err != nil {
		attrs = append([]slog.Attr{slog.Any("err", err)}, attrs...)
	}
	l.Logger.LogAttrs(noctx, slog.LevelInfo, msg, attrs...)
}

func (l Log) Warn(msg string, attrs ...slog.Attr) {
	l.Logger.LogAttrs(noctx, slog.LevelWarn, msg, attrs...)
}

func (l Log) Warnx(msg string, err error, attrs ...slog.Attr) {
	if err != nil {
		attrs = append([]slog.Attr{slog.Any("err", err)}, attrs...)
	}
	l.Logger.LogAttrs(noctx, slog.LevelWarn, msg, attrs...)
}

func (l Log) Error(msg string, attrs ...slog.Attr) {
	l.Logger.LogAttrs(noctx, slog.LevelError, msg, attrs...)
}

func (l Log) Errorx(msg string, err error, attrs ...slog.Attr) {
	if err != nil {
		attrs = append([]slog.Attr{slog.Any("err", err)}, attrs...)
	}
	l.Logger.LogAttrs(noctx, slog.LevelError, msg, attrs...)
}

// Check logs an error if err is not nil.
func (l Log) Check(err error, msg string, attrs ...slog.Attr) {
	if err != nil {
		l.Errorx(msg, err, attrs...)
	}
}

// Fatalx logs err with msg and stops the program.
func (l Log) Fatalx(msg string, err error, attrs ...slog.Attr) {
	l.Errorx(msg, err, attrs...)
	os.Exit(1)
}

// Trace logs a protocol line at a trace level.
func (l Log) Trace(level slog.Level, msg string, attrs ...slog.Attr) {
	l.Logger.LogAttrs(noctx, level, msg, attrs...)
}

type funcHandler struct {
	h  slog.Handler
	fn func() []slog.Attr
}

func (h funcHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.h.Enabled(ctx, level)
}

func (h funcHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(h.fn()...)
	return h.h.Handle(ctx, r)
}

func (h funcHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return funcHandler{h.h.WithAttrs(attrs), h.fn}
}

func (h funcHandler) WithGroup(name string) slog.Handler {
	return funcHandler{h.h.WithGroup(name), h.fn}
}

// handler is the default handler: logfmt-ish lines to stderr, honoring the
// per-pkg level configuration.
type handler struct {
	attrs []slog.Attr
}

var writeMutex sync.Mutex

func (h *handler) Enabled(ctx context.Context, level slog.Level) bool {
	// Filtering happens in Handle, based on the pkg attribute.
	return true
}

func (h *handler) HasPkg(pkg string) bool {
	for _, a := range h.attrs {
		if a.Key == "pkg" && a.Value.String() == pkg {
			return true
		}
	}
	return false
}

func (h *handler) match(pkg string, level slog.Level) bool {
	c := config.Load().(map[string]slog.Level)
	if v, ok := c[pkg]; ok {
		return level >= v
	}
	return level >= c[""]
}

func (h *handler) Handle(ctx context.Context, r slog.Record) error {
	var pkg string
	for _, a := range h.attrs {
		if a.Key == "pkg" {
			pkg = a.Value.String()
			break
		}
	}
	if !h.match(pkg, r.Level) {
		return nil
	}

	var b strings.Builder
	level := LevelStrings[r.Level]
	if level == "" {
		level = r.Level.String()
	}
	fmt.Fprintf(&b, "l=%s m=%s", level, logfmtValue(r.Message))
	writeAttrs := func(a slog.Attr) bool {
		if a.Key == "cid" && a.Value.Kind() == slog.KindInt64 {
			fmt.Fprintf(&b, " cid=%x", a.Value.Int64())
			return true
		}
		fmt.Fprintf(&b, " %s=%s", a.Key, logfmtValue(a.Value.String()))
		return true
	}
	r.Attrs(writeAttrs)
	for _, a := range h.attrs {
		writeAttrs(a)
	}
	b.WriteString("\n")

	writeMutex.Lock()
	defer writeMutex.Unlock()
	_, err := io.WriteString(os.Stderr, b.String())
	return err
}

func (h *handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := &handler{}
	nh.attrs = append(append(nh.attrs, h.attrs...), attrs...)
	return nh
}

func (h *handler) WithGroup(name string) slog.Handler {
	// Groups are not used in this code base.
	return h
}

// logfmtValue quotes s if needed for logfmt output.
func logfmtValue(s string) string {
	for _, c := range s {
		if c == '"' || c == '\\' || c <= ' ' || c == '=' || c >= 0x7f {
			return fmt.Sprintf("%q", s)
		}
	}
	if s == "" {
		return `""`
	}
	return s
}
