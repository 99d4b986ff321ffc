// Package nlog is the node-wide logger: buffered, leveled, and safe to call
// from any of the cooperatively scheduled tasks a node runs.
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package nlog

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"sync"
	"time"
)

type severity int

const (
	sevInfo severity = iota
	sevWarn
	sevErr
)

const flushIval = 2 * time.Second

var sevName = [...]string{sevInfo: "I", sevWarn: "W", sevErr: "E"}

type logger struct {
	mu      sync.Mutex
	w       *bufio.Writer
	f       *os.File
	last    time.Time
	toStderr bool
}

var (
	std          = &logger{w: bufio.NewWriter(os.Stderr), toStderr: true}
	alsoToStderr bool
	onceInit     sync.Once
)

// InitFlags registers the two standard toggles the teacher's nlog exposes;
// call before flag.Parse.
func InitFlags(flset *flag.FlagSet) {
	flset.BoolVar(&std.toStderr, "logtostderr", true, "log to standard error instead of a file")
	flset.BoolVar(&alsoToStderr, "alsologtostderr", false, "log to standard error as well as a file")
}

// SetOutput redirects logging to the given file, closing any previously set one.
func SetOutput(path string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	std.mu.Lock()
	if std.f != nil {
		std.w.Flush()
		std.f.Close()
	}
	std.f = f
	std.w = bufio.NewWriter(f)
	std.toStderr = false
	std.mu.Unlock()
	go periodicFlush()
	return nil
}

func periodicFlush() {
	onceInit.Do(func() {
		t := time.NewTicker(flushIval)
		go func() {
			for range t.C {
				Flush(false)
			}
		}()
	})
}

func Flush(exit bool) {
	std.mu.Lock()
	std.w.Flush()
	if std.f != nil {
		std.f.Sync()
		if exit {
			std.f.Close()
		}
	}
	std.mu.Unlock()
}

func log(sev severity, depth int, format string, args ...any) {
	var msg string
	if format == "" {
		msg = fmt.Sprintln(args...)
	} else {
		msg = fmt.Sprintf(format, args...) + "\n"
	}
	_, file, line, ok := runtime.Caller(depth + 2)
	if !ok {
		file, line = "???", 0
	} else {
		for i := len(file) - 1; i > 0; i-- {
			if file[i] == '/' {
				file = file[i+1:]
				break
			}
		}
	}
	now := time.Now()
	header := now.Format("0102 15:04:05.000000") + " " + sevName[sev] + " " + file + ":" + strconv.Itoa(line) + "] "

	std.mu.Lock()
	if std.toStderr || alsoToStderr || sev >= sevWarn {
		os.Stderr.WriteString(header)
		os.Stderr.WriteString(msg)
	}
	if !std.toStderr {
		std.w.WriteString(header)
		std.w.WriteString(msg)
		if sev >= sevErr {
			std.w.Flush()
		}
	}
	std.mu.Unlock()
}

func InfoDepth(depth int, args ...any)  { log(sevInfo, depth, "", args...) }
func Infoln(args ...any)                { log(sevInfo, 0, "", args...) }
func Infof(format string, args ...any)  { log(sevInfo, 0, format, args...) }

func WarnDepth(depth int, args ...any)     { log(sevWarn, depth, "", args...) }
func Warningln(args ...any)                { log(sevWarn, 0, "", args...) }
func Warningf(format string, args ...any)  { log(sevWarn, 0, format, args...) }

func ErrorDepth(depth int, args ...any)  { log(sevErr, depth, "", args...) }
func Errorln(args ...any)                { log(sevErr, 0, "", args...) }
func Errorf(format string, args ...any)  { log(sevErr, 0, format, args...) }
