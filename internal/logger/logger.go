package logger

import (
	"io"
	"os"
	"syscall"
	"time"

	"codeberg.org/mutker/vitalsd/internal/errors"
	"github.com/rs/zerolog"
)

var log = zerolog.New(io.Discard)

type LogLevel int8

const (
	DebugLevel LogLevel = iota
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
)

type LogEvent struct {
	*zerolog.Event
}

func (e *LogEvent) Msg(msg string) {
	e.Event.Msg(msg)
}

func (e *LogEvent) Send() {
	e.Event.Send()
}

// Init initializes the logger based on the given configuration
func Init(debug, verbose, isService bool) {
	InitWithWriter(os.Stdout, debug, verbose, isService)
}

// InitWithWriter initializes the logger writing console output to w
func InitWithWriter(w io.Writer, debug, verbose, isService bool) {
	output := zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: time.RFC3339,
	}

	if isService {
		output.NoColor = true
		output.TimeFormat = ""
		output.FormatTimestamp = func(_ interface{}) string {
			return ""
		}
	}

	log = zerolog.New(output).With().Timestamp().Logger()

	SetLogLevel(WarnLevel) // Default log level

	if debug {
		SetLogLevel(DebugLevel)
	} else if verbose {
		SetLogLevel(InfoLevel)
	}
}

// SetLogLevel sets the global log level
func SetLogLevel(level LogLevel) {
	zerolog.SetGlobalLevel(zerolog.Level(level))
}

// IsService checks if the application is running as a service
func IsService() bool {
	if _, err := os.Stdin.Stat(); err != nil {
		return true
	}
	if os.Getenv("SERVICE_NAME") != "" || os.Getenv("INVOCATION_ID") != "" {
		return true
	}
	if os.Getppid() == 1 {
		return true
	}

	return syscall.Getpgrp() == syscall.Getpid()
}

// Debug logs a debug message
func Debug() *LogEvent {
	return &LogEvent{log.Debug()}
}

// Info logs an info message
func Info() *LogEvent {
	return &LogEvent{log.Info()}
}

// Warn logs a warning message
func Warn() *LogEvent {
	return &LogEvent{log.Warn()}
}

// Error logs an error message
func Error() *LogEvent {
	return &LogEvent{log.Error()}
}

// ErrorWithCode logs an error message with a specific error code
func ErrorWithCode(err errors.Error) *LogEvent {
	return withCode(log.Error(), err)
}

func withCode(e *zerolog.Event, err errors.Error) *LogEvent {
	return &LogEvent{e.
		Str("error_code", string(err.Code())).
		Str("error_message", err.Error()).
		AnErr("error", err.Unwrap())}
}

// component is a Logger bound to a named subsystem.
type component struct {
	log *zerolog.Logger
}

// New returns a Logger that tags every event with the component name.
// The global logger must be initialized before New is called.
func New(name string) Logger {
	l := log.With().Str("component", name).Logger()
	return &component{log: &l}
}

// Nop returns a Logger that discards everything.
func Nop() Logger {
	l := zerolog.Nop()
	return &component{log: &l}
}

func (c *component) Debug() *LogEvent { return &LogEvent{c.log.Debug()} }
func (c *component) Info() *LogEvent  { return &LogEvent{c.log.Info()} }
func (c *component) Warn() *LogEvent  { return &LogEvent{c.log.Warn()} }
func (c *component) Error() *LogEvent { return &LogEvent{c.log.Error()} }

func (c *component) ErrorWithCode(err errors.Error) *LogEvent {
	return withCode(c.log.Error(), err)
}
