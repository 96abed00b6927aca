// Package logger sets up the process-wide structured logger. Each
// long-lived role (portal, supervisor, client) calls Init once at
// startup; the role tags every line, so interleaved output from a
// portal and the supervisors it spawns stays attributable.
package logger

import (
	"errors"
	"io"
	"log/slog"
	"os"

	"github.com/stemjail/stemjail/internal/jailerr"
)

var Log *slog.Logger

// Init installs the default logger at the given level, writing to
// stderr and, when logFile is non-empty, appending to that file as
// well. An unrecognized level falls back to info.
func Init(role, level, logFile string) error {
	var lv slog.Level
	if err := lv.UnmarshalText([]byte(level)); err != nil {
		lv = slog.LevelInfo
	}

	var w io.Writer = os.Stderr
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return err
		}
		w = io.MultiWriter(os.Stderr, f)
	}

	handler := slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: lv,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.String(slog.TimeKey, a.Value.Time().Format("15:04:05"))
			}
			return a
		},
	})
	Log = slog.New(handler).With("role", role)
	slog.SetDefault(Log)
	return nil
}

// Err renders an error as a structured attribute, surfacing the
// failure class when the error carries one so lines can be filtered
// by category (mount, policy, protocol, ...).
func Err(err error) slog.Attr {
	var je *jailerr.Error
	if errors.As(err, &je) {
		return slog.Group("error", "class", string(je.Class), "msg", je.Error())
	}
	return slog.String("error", err.Error())
}

func Debug(msg string, args ...any) { Log.Debug(msg, args...) }
func Info(msg string, args ...any)  { Log.Info(msg, args...) }
func Warn(msg string, args ...any)  { Log.Warn(msg, args...) }
func Error(msg string, args ...any) { Log.Error(msg, args...) }
