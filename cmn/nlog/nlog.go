// Package nlog is the gateway's process-wide logger: buffered, timestamped,
// severity-leveled, flushed on a timer or on demand.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package nlog

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type severity int

const (
	sevInfo severity = iota
	sevWarn
	sevErr
)

var sevChar = [...]byte{sevInfo: 'I', sevWarn: 'W', sevErr: 'E'}

type nlog struct {
	mu       sync.Mutex
	w        *bufio.Writer
	out      io.Writer
	sev      severity
	lastFlat int64
	written  atomic.Int64
}

var (
	nlogs [3]*nlog

	title        atomic.Value // string
	toStderr     atomic.Bool
	alsoToStderr atomic.Bool

	initOnce sync.Once
)

func initLogs() {
	for sev := range nlogs {
		nlogs[sev] = &nlog{out: os.Stderr}
		nlogs[sev].sev = severity(sev)
		nlogs[sev].w = bufio.NewWriterSize(nlogs[sev].out, 32*1024)
	}
	title.Store("")
	go func() {
		for range time.Tick(10 * time.Second) {
			Flush()
		}
	}()
}

// SetOutput redirects every severity's writer to w (tests, or a real log file).
func SetOutput(w io.Writer) {
	initOnce.Do(initLogs)
	for _, nl := range nlogs {
		nl.mu.Lock()
		nl.flushLocked()
		nl.out = w
		nl.w = bufio.NewWriterSize(w, 32*1024)
		nl.mu.Unlock()
	}
}

// SetTitle stamps every flushed batch with a process title (service name,
// gateway instance id, ...). Matches the single process-level logger
// configuration object the design calls for: set once before any event
// loop starts, read from every component thereafter.
func SetTitle(s string) {
	initOnce.Do(initLogs)
	title.Store(s)
}

// SetStderr controls whether log lines additionally go to stderr.
func SetStderr(always bool) {
	initOnce.Do(initLogs)
	toStderr.Store(always)
}

func InfoDepth(depth int, args ...any)    { log(sevInfo, depth+1, "", args...) }
func Infoln(args ...any)                  { log(sevInfo, 1, "", args...) }
func Infof(format string, args ...any)    { log(sevInfo, 1, format, args...) }
func Warningln(args ...any)               { log(sevWarn, 1, "", args...) }
func Warningf(format string, args ...any) { log(sevWarn, 1, format, args...) }
func ErrorDepth(depth int, args ...any)   { log(sevErr, depth+1, "", args...) }
func Errorln(args ...any)                 { log(sevErr, 1, "", args...) }
func Errorf(format string, args ...any)   { log(sevErr, 1, format, args...) }

// Flush forces every severity's buffer out to its writer now.
func Flush() {
	initOnce.Do(initLogs)
	for _, nl := range nlogs {
		nl.mu.Lock()
		nl.flushLocked()
		nl.mu.Unlock()
	}
}

func log(sev severity, depth int, format string, args ...any) {
	initOnce.Do(initLogs)

	line := formatLine(sev, depth+1, format, args...)

	if toStderr.Load() {
		os.Stderr.WriteString(line)
	}
	nl := nlogs[sev]
	nl.mu.Lock()
	nl.w.WriteString(line)
	nl.written.Add(int64(len(line)))
	nl.lastFlat = time.Now().UnixNano()
	if nl.w.Buffered() > 16*1024 {
		nl.flushLocked()
	}
	nl.mu.Unlock()

	// Warnings and errors also land in the info stream, and errors are
	// mirrored to stderr immediately: a slow-flushed info buffer should
	// never hide an error from an operator watching the console.
	if sev == sevWarn {
		mirror(sevInfo, line)
	} else if sev == sevErr {
		if !toStderr.Load() {
			os.Stderr.WriteString(line)
		}
		mirror(sevWarn, line)
		mirror(sevInfo, line)
	}
}

func mirror(sev severity, line string) {
	nl := nlogs[sev]
	nl.mu.Lock()
	nl.w.WriteString(line)
	nl.mu.Unlock()
}

// under nl.mu
func (nl *nlog) flushLocked() { nl.w.Flush() }

func formatLine(sev severity, depth int, format string, args ...any) string {
	var sb strings.Builder
	sb.WriteByte(sevChar[sev])
	sb.WriteByte(' ')
	sb.WriteString(time.Now().Format("15:04:05.000000"))
	sb.WriteByte(' ')
	if t, _ := title.Load().(string); t != "" {
		sb.WriteByte('[')
		sb.WriteString(t)
		sb.WriteString("] ")
	}
	if _, fn, ln, ok := runtime.Caller(2 + depth); ok {
		if idx := strings.LastIndexByte(fn, '/'); idx >= 0 {
			fn = fn[idx+1:]
		}
		sb.WriteString(fn)
		sb.WriteByte(':')
		sb.WriteString(strconv.Itoa(ln))
		sb.WriteByte(' ')
	}
	if format == "" {
		fmt.Fprintln(&sb, args...)
	} else {
		fmt.Fprintf(&sb, format, args...)
		sb.WriteByte('\n')
	}
	return sb.String()
}
