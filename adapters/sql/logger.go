package sql

import (
	"database/sql"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"time"
)

// SQLLogger prints executed statements with their timing when enabled
type SQLLogger struct {
	enabled bool
	out     *log.Logger
	mu      sync.RWMutex
}

// NewSQLLogger creates a new SQL logger writing to stderr
func NewSQLLogger(enabled bool) *SQLLogger {
	return &SQLLogger{
		enabled: enabled,
		out:     log.New(os.Stderr, "", log.LstdFlags),
	}
}

// IsEnabled returns whether SQL logging is enabled
func (l *SQLLogger) IsEnabled() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.enabled
}

// SetEnabled enables or disables SQL logging
func (l *SQLLogger) SetEnabled(enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = enabled
}

// SetOutput redirects log lines to w
func (l *SQLLogger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.out.SetOutput(w)
}

// LogQuery logs a query with its execution time and the number of rows read
func (l *SQLLogger) LogQuery(query string, args []any, duration time.Duration, rowCount int) {
	if !l.IsEnabled() {
		return
	}
	l.printf("[SQL] [%s] [rows:%d] %s%s", millis(duration), rowCount, formatQuery(query), formatArgs(args))
}

// LogExec logs a write with its execution time and the affected row count
func (l *SQLLogger) LogExec(query string, args []any, duration time.Duration, result sql.Result) {
	if !l.IsEnabled() {
		return
	}

	if result != nil {
		if affected, err := result.RowsAffected(); err == nil {
			l.printf("[SQL] [%s] [rows:%d] %s%s", millis(duration), affected, formatQuery(query), formatArgs(args))
			return
		}
	}
	l.printf("[SQL] [%s] %s%s", millis(duration), formatQuery(query), formatArgs(args))
}

// LogError logs a statement that failed
func (l *SQLLogger) LogError(query string, args []any, duration time.Duration, err error) {
	if !l.IsEnabled() {
		return
	}
	l.printf("[SQL] [%s] [ERROR] %s%s - %v", millis(duration), formatQuery(query), formatArgs(args), err)
}

func (l *SQLLogger) printf(format string, v ...any) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	l.out.Printf(format, v...)
}

func millis(d time.Duration) string {
	return fmt.Sprintf("%.2fms", float64(d.Nanoseconds())/1e6)
}

// formatQuery collapses whitespace so a statement fits one log line
func formatQuery(query string) string {
	return strings.Join(strings.Fields(query), " ")
}

// formatArgs renders bind arguments; strings are quoted and times are RFC 3339
func formatArgs(args []any) string {
	if len(args) == 0 {
		return ""
	}

	formatted := make([]string, len(args))
	for i, arg := range args {
		switch v := arg.(type) {
		case string:
			formatted[i] = fmt.Sprintf("%q", v)
		case []byte:
			formatted[i] = fmt.Sprintf("%q", string(v))
		case time.Time:
			formatted[i] = v.Format(time.RFC3339Nano)
		case nil:
			formatted[i] = "NULL"
		default:
			formatted[i] = fmt.Sprintf("%v", v)
		}
	}
	return fmt.Sprintf(" [Args: [%s]]", strings.Join(formatted, ", "))
}
