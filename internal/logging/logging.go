package logging

import (
	"log"
	"os"
	"strings"
)

var levelOrder = map[string]int{"debug": 10, "info": 20, "warn": 30, "error": 40}

// Logger is a small leveled logger over the stdlib log package. A component
// prefix set via With shows up between the level tag and the message.
type Logger struct {
	level  string
	prefix string
	base   *log.Logger
}

func New(level string) *Logger {
	lv := strings.ToLower(strings.TrimSpace(level))
	if _, ok := levelOrder[lv]; !ok {
		lv = "info"
	}
	return &Logger{level: lv, base: log.New(os.Stdout, "", log.LstdFlags)}
}

// With returns a logger that tags every line with a component name.
func (l *Logger) With(component string) *Logger {
	return &Logger{level: l.level, prefix: component, base: l.base}
}

func (l *Logger) enabled(level string) bool {
	return levelOrder[level] >= levelOrder[l.level]
}

func (l *Logger) printf(tag, format string, args ...any) {
	if l.prefix != "" {
		l.base.Printf(tag+" ["+l.prefix+"] "+format, args...)
		return
	}
	l.base.Printf(tag+" "+format, args...)
}

func (l *Logger) Debugf(format string, args ...any) {
	if l.enabled("debug") {
		l.printf("[DEBUG]", format, args...)
	}
}

func (l *Logger) Infof(format string, args ...any) {
	if l.enabled("info") {
		l.printf("[INFO]", format, args...)
	}
}

func (l *Logger) Warnf(format string, args ...any) {
	if l.enabled("warn") {
		l.printf("[WARN]", format, args...)
	}
}

func (l *Logger) Errorf(format string, args ...any) {
	if l.enabled("error") {
		l.printf("[ERROR]", format, args...)
	}
}
