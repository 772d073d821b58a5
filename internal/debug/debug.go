package debug

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync"

	"github.com/fatih/color"
)

// Debug levels
const (
	LevelOff     = 0 // No output
	LevelInfo    = 1 // Important info (device opened, file saved)
	LevelLive    = 2 // Live info (state transitions, captures)
	LevelVerbose = 3 // Verbose (stream config, request details)
	LevelTrace   = 4 // Trace (hardware callbacks, GPIO)
)

var (
	mu     sync.RWMutex
	level  int
	logger *log.Logger
	out    io.Writer = os.Stdout
)

var (
	tagInfo    = color.New(color.FgGreen).SprintFunc()
	tagLive    = color.New(color.FgCyan).SprintFunc()
	tagVerbose = color.New(color.FgBlue).SprintFunc()
	tagTrace   = color.New(color.FgHiBlack).SprintFunc()
	tagError   = color.New(color.FgRed).SprintFunc()
)

// Init initializes the debug system with a level (0-4).
// 0 = no output
// 1 = important info (device opened, files saved, errors)
// 2 = live info (state transitions, captures)
// 3 = verbose (stream configuration, request details)
// 4 = trace (hardware callbacks, GPIO, very low level)
func Init(debugLevel int) {
	mu.Lock()
	defer mu.Unlock()
	level = debugLevel
	if level > LevelOff {
		logger = log.New(out, "[camsession] ", log.LstdFlags|log.Lmicroseconds)
	} else {
		logger = nil
	}
}

// SetOutput redirects debug output (e.g. to tee it into the status broadcaster).
// Colors are disabled when w is not the process stdout.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	out = w
	if w != os.Stdout {
		color.NoColor = true
	}
	if logger != nil {
		logger.SetOutput(w)
	}
}

// Level returns the current debug level.
func Level() int {
	mu.RLock()
	defer mu.RUnlock()
	return level
}

// IsEnabled returns true if debug level is >= the requested level.
func IsEnabled(minLevel int) bool {
	return Level() >= minLevel
}

func printf(minLevel int, format string, args ...interface{}) {
	mu.RLock()
	l, lg := level, logger
	mu.RUnlock()
	if l >= minLevel && lg != nil {
		lg.Printf(format, args...)
	}
}

// --- Level 1 functions (Info): important info ---

// Info prints a level 1 message (important info).
func Info(format string, args ...interface{}) {
	printf(LevelInfo, tagInfo("[INFO] ")+format, args...)
}

// Summary prints an important summary (level 1).
func Summary(title string) {
	printf(LevelInfo, "═══════════════════════════════════════")
	printf(LevelInfo, "  %s", title)
	printf(LevelInfo, "═══════════════════════════════════════")
}

// Persisted prints a saved capture (level 1).
func Persisted(path string, bytes int64) {
	printf(LevelInfo, tagInfo("[INFO] ")+"Saved %s (%d bytes)", path, bytes)
}

// --- Level 2 functions (Live): real-time info ---

// Live prints a level 2 message (live info).
func Live(format string, args ...interface{}) {
	printf(LevelLive, tagLive("[LIVE] ")+format, args...)
}

// Transition prints a state machine transition (level 2).
func Transition(from, to, event string) {
	printf(LevelLive, tagLive("[LIVE] ")+"State %s -> %s (%s)", from, to, event)
}

// Capture prints a submitted still capture (level 2).
func Capture(requestID string, orientation int) {
	printf(LevelLive, tagLive("[LIVE] ")+"Still capture %s submitted (orientation=%d)", requestID, orientation)
}

// --- Level 3 functions (Verbose): everything ---

// Verbose prints a level 3 message (verbose).
func Verbose(format string, args ...interface{}) {
	printf(LevelVerbose, tagVerbose("[VERBOSE] ")+format, args...)
}

// Printf is an alias for Verbose.
func Printf(format string, args ...interface{}) {
	Verbose(format, args...)
}

// PrintStruct prints a struct in formatted form (level 3).
func PrintStruct(name string, v interface{}) {
	printf(LevelVerbose, tagVerbose("[VERBOSE] ")+"%s: %+v", name, v)
}

// Section prints a section separator (level 3).
func Section(name string) {
	printf(LevelVerbose, "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	printf(LevelVerbose, "  %s", name)
	printf(LevelVerbose, "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
}

// Step prints a numbered step (level 3).
func Step(num int, description string) {
	printf(LevelVerbose, tagVerbose("[VERBOSE] ")+"Step %d: %s", num, description)
}

// Value prints a named value in formatted form (level 1).
func Value(name string, value interface{}) {
	printf(LevelInfo, tagInfo("[INFO] ")+"  %s = %v", name, value)
}

// --- Level 4 functions (Trace): very low level ---

// Trace prints a level 4 message (trace, hardware callbacks).
func Trace(format string, args ...interface{}) {
	printf(LevelTrace, tagTrace("[TRACE] ")+format, args...)
}

// GPIO prints a GPIO operation (level 4).
func GPIO(operation string, pin int, value interface{}) {
	printf(LevelTrace, tagTrace("[GPIO] ")+"%s pin=%d value=%v", operation, pin, value)
}

// --- General functions ---

// Error prints a debug error (level 1+).
func Error(err error) {
	printf(LevelInfo, tagError("[ERROR] ")+"%v", err)
}

// Fmt is a helper function that returns a formatted string
// only if debug is enabled (to avoid unnecessary allocations).
func Fmt(format string, args ...interface{}) string {
	if Level() > 0 {
		return fmt.Sprintf(format, args...)
	}
	return ""
}
