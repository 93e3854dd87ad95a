/**
 * @description
 * Structured logger for ssmd.
 * Ensures info messages go to stdout (not stderr) so orchestrators don't label them as errors.
 *
 * @dependencies
 * - standard "os"
 * - standard "log"
 * - standard "fmt"
 */

package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"strings"
)

var (
	// InfoLogger writes to stdout.
	InfoLogger *log.Logger
	// WarnLogger writes to stdout; warnings are not failures.
	WarnLogger *log.Logger
	// ErrorLogger writes to stderr (for actual errors).
	ErrorLogger *log.Logger
)

func init() {
	InfoLogger = log.New(os.Stdout, "", 0)
	WarnLogger = log.New(os.Stdout, "", 0)
	ErrorLogger = log.New(os.Stderr, "", 0)
}

// Info logs an info message to stdout.
func Info(format string, v ...interface{}) {
	InfoLogger.Println(fmt.Sprintf(format, v...))
}

// Warn logs a warning to stdout.
func Warn(format string, v ...interface{}) {
	WarnLogger.Println("WARN " + fmt.Sprintf(format, v...))
}

// Error logs an error message to stderr.
func Error(format string, v ...interface{}) {
	ErrorLogger.Println(fmt.Sprintf(format, v...))
}

// Fatal logs an error to stderr and exits the process with status 1.
func Fatal(format string, v ...interface{}) {
	ErrorLogger.Fatalln(fmt.Sprintf(format, v...))
}

// New creates a new logger that writes to the specified writer.
func New(w io.Writer) *log.Logger {
	return log.New(w, "", 0)
}

// Fields renders key=value pairs in a stable, sorted order, for the
// uptime/message-count/gap-info style log lines the spec's error handling
// design calls for on connector and archiver exit paths.
func Fields(kv map[string]interface{}) string {
	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, kv[k]))
	}
	return strings.Join(parts, " ")
}
