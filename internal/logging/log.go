// Copyright (C) 2020 Markus L. Noga
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package logging provides the log writer used by the command line tool and the
// REST server. Writes to stdout, and optionally to a file. Does not add prefixes,
// or force newlines.
package logging

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sync"
)

// A log writer duplicating its output to an optional file. Safe for concurrent use
type Logger struct {
	mu        sync.Mutex
	out       io.Writer
	logFile   *bufio.Writer
	logFileOS *os.File
	verbose   bool
	exit      func(int)
}

// Creates a logger writing to the given output, usually os.Stdout
func New(out io.Writer, verbose bool) *Logger {
	return &Logger{out: out, verbose: verbose, exit: os.Exit}
}

var std = New(os.Stdout, false)

// The default logger, writing to stdout
func Default() *Logger { return std }

func (l *Logger) SetVerbose(verbose bool) {
	l.mu.Lock()
	l.verbose = verbose
	l.mu.Unlock()
}

func (l *Logger) Verbose() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.verbose
}

// Enables logging to file, closing any previous log file
func (l *Logger) AlsoToFile(fileName string) (err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err = l.closeFile(); err != nil {
		return err
	}
	f, err := os.OpenFile(fileName, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0666)
	if err != nil {
		return err
	}
	l.logFileOS, l.logFile = f, bufio.NewWriter(f)
	return nil
}

func (l *Logger) closeFile() error {
	if l.logFile == nil {
		return nil
	}
	err := l.logFile.Flush()
	if cerr := l.logFileOS.Close(); err == nil {
		err = cerr
	}
	l.logFile, l.logFileOS = nil, nil
	return err
}

// Writes p to the output and the log file, if any
func (l *Logger) Write(p []byte) (n int, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n, err = l.out.Write(p)
	if err != nil || l.logFile == nil {
		return n, err
	}
	return l.logFile.Write(p)
}

func (l *Logger) Printf(format string, args ...interface{}) {
	fmt.Fprintf(l, format, args...)
}

// Logs an informational message, terminated with a newline
func (l *Logger) Infof(format string, args ...interface{}) {
	fmt.Fprintf(l, format+"\n", args...)
}

// Logs a message only in verbose mode
func (l *Logger) Debugf(format string, args ...interface{}) {
	if l.Verbose() {
		fmt.Fprintf(l, format+"\n", args...)
	}
}

// Returns a writer that discards output unless in verbose mode. Used to pass
// detailed progress output to the normaliser
func (l *Logger) DebugWriter() io.Writer {
	if l.Verbose() {
		return l
	}
	return io.Discard
}

// Logs the message, closes the log file and exits with status 1
func (l *Logger) Fatalf(format string, args ...interface{}) {
	fmt.Fprintf(l, format, args...)
	l.mu.Lock()
	l.closeFile()
	l.mu.Unlock()
	l.exit(1)
}

// Flushes the log file to disk
func (l *Logger) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.logFile == nil {
		return nil
	}
	if err := l.logFile.Flush(); err != nil {
		return err
	}
	return l.logFileOS.Sync()
}

// Flushes and closes the log file, if any
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closeFile()
}
