// Package color provides terminal color output for attendctl.
// It respects the NO_COLOR environment variable (https://no-color.org/).
package color

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
)

var state struct {
	enabled    atomic.Bool
	overridden atomic.Bool
	once       sync.Once
}

// Init initializes the color system from the environment and the
// --no-color flag. Enable and Disable take precedence over Init.
func Init(noColorFlag bool) {
	state.once.Do(func() {
		if state.overridden.Load() {
			return
		}
		disabled := noColorFlag
		if _, ok := os.LookupEnv("NO_COLOR"); ok {
			disabled = true
		}
		if os.Getenv("TERM") == "dumb" {
			disabled = true
		}
		state.enabled.Store(!disabled)
	})
}

// Enabled returns true if color output is enabled.
func Enabled() bool {
	Init(false)
	return state.enabled.Load()
}

// Disable turns off color output.
func Disable() {
	state.overridden.Store(true)
	state.enabled.Store(false)
}

// Enable turns on color output.
func Enable() {
	state.overridden.Store(true)
	state.enabled.Store(true)
}

// ANSI color codes
const (
	Reset     = "\033[0m"
	Bold      = "\033[1m"
	DimCode   = "\033[2m"
	Underline = "\033[4m"

	Red     = "\033[31m"
	Green   = "\033[32m"
	Yellow  = "\033[33m"
	Blue    = "\033[34m"
	Magenta = "\033[35m"
	Cyan    = "\033[36m"
	Gray    = "\033[90m"
)

type colorFunc func(string) string

func makeColorFunc(codes ...string) colorFunc {
	code := strings.Join(codes, "")
	return func(s string) string {
		if !Enabled() {
			return s
		}
		return code + s + Reset
	}
}

var (
	Redf     = makeColorFunc(Red)
	Greenf   = makeColorFunc(Green)
	Yellowf  = makeColorFunc(Yellow)
	Bluef    = makeColorFunc(Blue)
	Magentaf = makeColorFunc(Magenta)
	Cyanf    = makeColorFunc(Cyan)
	Grayf    = makeColorFunc(Gray)
	Boldf    = makeColorFunc(Bold)
	Dimf     = makeColorFunc(DimCode)
)

// Success formats a success message in green.
func Success(s string) string { return Greenf(s) }

// Successf formats a success message with printf-style arguments.
func Successf(format string, args ...any) string { return Greenf(fmt.Sprintf(format, args...)) }

// Error formats an error message in red.
func Error(s string) string { return Redf(s) }

// Errorf formats an error message with printf-style arguments.
func Errorf(format string, args ...any) string { return Redf(fmt.Sprintf(format, args...)) }

// Warning formats a warning message in yellow.
func Warning(s string) string { return Yellowf(s) }

// Warningf formats a warning message with printf-style arguments.
func Warningf(format string, args ...any) string { return Yellowf(fmt.Sprintf(format, args...)) }

// Info formats an informational message in cyan.
func Info(s string) string { return Cyanf(s) }

// Infof formats an informational message with printf-style arguments.
func Infof(format string, args ...any) string { return Cyanf(fmt.Sprintf(format, args...)) }

// RecordID formats a record or operation ID in cyan.
func RecordID(s string) string { return Cyanf(s) }

// Collection formats a collection name in blue.
func Collection(s string) string { return Bluef(s) }

// Header formats a header in bold.
func Header(s string) string { return Boldf(s) }

// Dim formats secondary information.
func Dim(s string) string { return Dimf(s) }

// Highlight highlights important text in yellow.
func Highlight(s string) string { return Yellowf(s) }

// Code formats a command string in bold dim.
func Code(s string) string {
	if !Enabled() {
		return s
	}
	return Bold + DimCode + s + Reset
}

// Severity colors an audit or doctor severity label.
func Severity(sev string) string {
	switch sev {
	case "critical", "error":
		return Error(sev)
	case "warning":
		return Warning(sev)
	case "info":
		return Info(sev)
	default:
		return Dim(sev)
	}
}
