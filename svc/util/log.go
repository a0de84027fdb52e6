package util

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var globalLog = zerolog.New(io.Discard)

func InitLog(level string, dev bool) {
	InitLogTo(os.Stdout, level, dev)
}

// InitLogTo configures the process logger. dev switches to the human console format.
func InitLogTo(out io.Writer, level string, dev bool) {
	if dev {
		out = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
		}
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	globalLog = zerolog.New(out).
		With().
		Timestamp().
		Str("service", "vanish").
		Logger().
		Hook(redactHook{})
	log.Logger = globalLog
}
func Debug() *zerolog.Event { return globalLog.Debug() }
func Info() *zerolog.Event  { return globalLog.Info() }
func Warn() *zerolog.Event  { return globalLog.Warn() }
func Error() *zerolog.Event { return globalLog.Error() }
func GetLogger() zerolog.Logger {
	return globalLog
}

// redactHook scrubs messages that accidentally embed a token or secret assignment.
type redactHook struct{}

func (h redactHook) Run(e *zerolog.Event, level zerolog.Level, msg string) {
	if msg == "" {
		return
	}
	if clean := RedactLogLine(msg); clean != msg {
		e.Bool("possible_secret", true)
	}
}
