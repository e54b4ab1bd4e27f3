package server

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
)

// Category groups log lines so noisy ones (message traffic) can be switched off.
type Category uint8

const (
	CategoryConnection Category = 1 << iota
	CategoryMessageIn
	CategoryMessageOut
	CategoryPaxos
	CategoryError

	allCategories = CategoryConnection | CategoryMessageIn | CategoryMessageOut | CategoryPaxos | CategoryError
)

var categoryNames = map[string]Category{
	"connection": CategoryConnection,
	"in":         CategoryMessageIn,
	"out":        CategoryMessageOut,
	"paxos":      CategoryPaxos,
	"error":      CategoryError,
}

func parseCategory(name string) (Category, error) {
	var c, ok = categoryNames[strings.ToLower(name)]
	if !ok {
		return 0, fmt.Errorf("unknown log category %q", name)
	}
	return c, nil
}

// Logger prefixes every line with the node id and the category of the event.
type Logger struct {
	l       *log.Logger
	enabled Category
}

func NewLogger(id int, w io.Writer, categories []string) (*Logger, error) {
	var enabled Category
	for _, name := range categories {
		var c, err = parseCategory(name)
		if err != nil {
			return nil, err
		}
		enabled |= c
	}

	if enabled == 0 {
		enabled = allCategories
	}

	return &Logger{
		l:       log.New(w, fmt.Sprintf("[node %d] ", id), log.LstdFlags|log.Lmicroseconds),
		enabled: enabled,
	}, nil
}

// DiscardLogger drops everything, used by tests
func DiscardLogger() *Logger {
	return &Logger{l: log.New(io.Discard, "", 0)}
}

func (l *Logger) logf(c Category, tag, format string, args ...any) {
	if l.enabled&c == 0 {
		return
	}
	l.l.Printf(tag+" "+format, args...)
}

func (l *Logger) Connectionf(format string, args ...any) {
	l.logf(CategoryConnection, "CONN", format, args...)
}

func (l *Logger) MessageInf(format string, args ...any) {
	l.logf(CategoryMessageIn, "IN  ", format, args...)
}

func (l *Logger) MessageOutf(format string, args ...any) {
	l.logf(CategoryMessageOut, "OUT ", format, args...)
}

func (l *Logger) Paxosf(format string, args ...any) {
	l.logf(CategoryPaxos, "PAXOS", format, args...)
}

func (l *Logger) Errorf(format string, args ...any) {
	l.logf(CategoryError, "ERROR", format, args...)
}

// Fatalf logs regardless of the enabled categories and exits the process.
func (l *Logger) Fatalf(format string, args ...any) {
	l.l.Printf("FATAL "+format, args...)
	os.Exit(1)
}
