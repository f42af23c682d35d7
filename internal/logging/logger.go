/*
Copyright © 2026 Quasar Authors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program. If not, see <http://www.gnu.org/licenses/>.
*/

// Package logging provides the core's single logging facade. Every
// component logs through here instead of fmt.Println so that output can be
// redirected depending on context: plain colorized CLI output, or a sink
// forwarded into the runtime inspector (Runtime.consoleAPICalled-shaped
// notifications) when a debugger is attached.
package logging

import (
	"fmt"
	"os"
	"sync"

	"github.com/pterm/pterm"
)

func init() {
	pterm.Info = *pterm.Info.WithPrefix(pterm.Prefix{
		Text:  "INFO",
		Style: pterm.NewStyle(pterm.FgBlue),
	}).WithMessageStyle(&pterm.ThemeDefault.DefaultText)

	pterm.Warning = *pterm.Warning.WithPrefix(pterm.Prefix{
		Text:  "WARN",
		Style: pterm.NewStyle(pterm.FgYellow),
	}).WithMessageStyle(&pterm.ThemeDefault.DefaultText)

	pterm.Error = *pterm.Error.WithPrefix(pterm.Prefix{
		Text:  "ERROR",
		Style: pterm.NewStyle(pterm.FgRed),
	}).WithMessageStyle(&pterm.ThemeDefault.DefaultText)

	pterm.Debug = *pterm.Debug.WithPrefix(pterm.Prefix{
		Text:  "DEBUG",
		Style: pterm.NewStyle(pterm.FgCyan),
	}).WithMessageStyle(&pterm.ThemeDefault.DefaultText)
}

// Level is the severity of a log message.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarning
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarning:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Sink receives a formatted log line destined for a non-CLI consumer, such
// as the inspector's Runtime.consoleAPICalled notification channel.
type Sink interface {
	LogMessage(level Level, message string)
}

// Mode determines how log lines are routed.
type Mode int

const (
	// ModeCLI prints colorized lines via pterm. The default.
	ModeCLI Mode = iota
	// ModeSink forwards every message to an attached Sink (e.g. the
	// inspector), falling back to stderr when no sink is attached yet.
	ModeSink
)

// Logger is the process-wide logging facade. It is safe for concurrent use
// from every goroutine the loader, graph builder, and engine spawn.
type Logger struct {
	mu           sync.RWMutex
	mode         Mode
	sink         Sink
	debugEnabled bool
	quietEnabled bool
}

var global = &Logger{mode: ModeCLI}

// Global returns the process-wide logger instance.
func Global() *Logger { return global }

// SetMode switches between CLI and sink-forwarding output.
func (l *Logger) SetMode(mode Mode) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.mode = mode
}

// SetSink attaches a sink and switches to ModeSink. Passing nil detaches
// the sink and reverts to ModeCLI on the next log call.
func (l *Logger) SetSink(sink Sink) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sink = sink
	if sink != nil {
		l.mode = ModeSink
	} else {
		l.mode = ModeCLI
	}
}

func (l *Logger) SetDebugEnabled(enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.debugEnabled = enabled
}

func (l *Logger) IsDebugEnabled() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.debugEnabled
}

func (l *Logger) SetQuietEnabled(enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.quietEnabled = enabled
}

func (l *Logger) Debug(format string, args ...any) { l.log(LevelDebug, format, args...) }
func (l *Logger) Info(format string, args ...any)  { l.log(LevelInfo, format, args...) }
func (l *Logger) Warn(format string, args ...any)  { l.log(LevelWarning, format, args...) }
func (l *Logger) Error(format string, args ...any) { l.log(LevelError, format, args...) }

func (l *Logger) log(level Level, format string, args ...any) {
	l.mu.RLock()
	mode, sink, debugEnabled, quietEnabled := l.mode, l.sink, l.debugEnabled, l.quietEnabled
	l.mu.RUnlock()

	if level == LevelDebug && !debugEnabled {
		return
	}
	if quietEnabled && level <= LevelInfo {
		return
	}

	message := fmt.Sprintf(format, args...)

	switch mode {
	case ModeSink:
		if sink != nil {
			sink.LogMessage(level, message)
			return
		}
		fmt.Fprintf(os.Stderr, "[%s] %s\n", level, message)
	default:
		switch level {
		case LevelDebug:
			pterm.Debug.Println(message)
		case LevelInfo:
			pterm.Info.Println(message)
		case LevelWarning:
			pterm.Warning.Println(message)
		case LevelError:
			pterm.Error.Println(message)
		}
	}
}

// SafeDebug is a package-level convenience wrapper around the global
// logger's Debug call, used from packages that would otherwise need to
// thread a *Logger through every function signature.
func SafeDebug(format string, args ...any) {
	global.Debug(format, args...)
}
