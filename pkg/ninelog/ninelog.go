// Copyright 2017-2021 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

// Package ninelog extends Go's logging functionality to allow for multiple
// loggers, each one with their own logging level. Call AddLogger() to set up
// each desired logger, then use the package-level logging functions to send
// messages to all defined loggers at once.
package ninelog

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	golog "log"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
)

type Level int

// Log levels supported:
// DEBUG -> INFO -> WARN -> ERROR -> FATAL
const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
	FATAL
)

func (l Level) String() string {
	switch l {
	case DEBUG:
		return "debug"
	case INFO:
		return "info"
	case WARN:
		return "warn"
	case ERROR:
		return "error"
	case FATAL:
		return "fatal"
	}
	return fmt.Sprintf("Level(%d)", int(l))
}

// ParseLevel returns the log level named by s.
func ParseLevel(s string) (Level, error) {
	switch s {
	case "debug":
		return DEBUG, nil
	case "info":
		return INFO, nil
	case "warn":
		return WARN, nil
	case "error":
		return ERROR, nil
	case "fatal":
		return FATAL, nil
	}
	return -1, errors.New("invalid log level")
}

var (
	LevelFlag = flag.String("loglevel", "warn", "set log level: [debug, info, warn, error, fatal]")
	Verbose   = flag.Bool("v", true, "log on stderr")
	File      = flag.String("logfile", "", "also log to file")
)

const (
	reset    = "\x1b[0000m"
	fgBlue   = "\x1b[0034m"
	fgGreen  = "\x1b[0032m"
	fgYellow = "\x1b[0033m"
	fgRed    = "\x1b[0031m"
)

var (
	colorLine  = fgYellow
	colorDebug = fgBlue
	colorInfo  = fgGreen
	colorWarn  = fgYellow
	colorError = fgRed
	colorFatal = fgRed
)

type logger struct {
	*golog.Logger

	level   Level
	color   bool
	filters []string
}

func (l *logger) prologue(level Level, name string) (msg string) {
	switch level {
	case DEBUG:
		msg += "DEBUG "
	case INFO:
		msg += "INFO "
	case WARN:
		msg += "WARN "
	case ERROR:
		msg += "ERROR "
	default:
		msg += "FATAL "
	}

	if name == "" {
		_, file, line, _ := runtime.Caller(4)
		short := file
		for i := len(file) - 1; i > 0; i-- {
			if file[i] == '/' {
				short = file[i+1:]
				break
			}
		}
		msg += short + ":" + strconv.Itoa(line) + ": "
	} else {
		msg += name + ": "
	}

	if l.color {
		msg = colorLine + msg
		switch level {
		case DEBUG:
			msg += colorDebug
		case INFO:
			msg += colorInfo
		case WARN:
			msg += colorWarn
		case ERROR:
			msg += colorError
		default:
			msg += colorFatal
		}
	}
	return
}

func (l *logger) epilogue() string {
	if l.color {
		return reset
	}
	return ""
}

func (l *logger) logf(level Level, name, format string, arg ...interface{}) {
	msg := l.prologue(level, name) + fmt.Sprintf(format, arg...) + l.epilogue()
	for _, f := range l.filters {
		if strings.Contains(msg, f) {
			return
		}
	}
	l.Println(msg)
}

func (l *logger) logln(level Level, name string, arg ...interface{}) {
	msg := l.prologue(level, name) + fmt.Sprint(arg...) + l.epilogue()
	for _, f := range l.filters {
		if strings.Contains(msg, f) {
			return
		}
	}
	l.Println(msg)
}

var (
	loggers = make(map[string]*logger)
	logLock sync.RWMutex
)

// AddLogger registers a named logger that writes events at level or higher
// to output.
func AddLogger(name string, output io.Writer, level Level, color bool) {
	logLock.Lock()
	defer logLock.Unlock()

	loggers[name] = &logger{golog.New(output, "", golog.LstdFlags), level, color, nil}
}

// DelLogger removes a logger previously registered with AddLogger.
func DelLogger(name string) {
	logLock.Lock()
	defer logLock.Unlock()

	delete(loggers, name)
}

func Loggers() []string {
	logLock.RLock()
	defer logLock.RUnlock()

	var ret []string
	for k := range loggers {
		ret = append(ret, k)
	}
	return ret
}

// WillLog reports whether logging at level would reach any registered
// logger. Useful when the message itself is expensive to construct.
func WillLog(level Level) bool {
	logLock.RLock()
	defer logLock.RUnlock()

	for _, v := range loggers {
		if v.level <= level {
			return true
		}
	}
	return false
}

func SetLevel(name string, level Level) error {
	logLock.Lock()
	defer logLock.Unlock()

	if loggers[name] == nil {
		return errors.New("logger does not exist")
	}
	loggers[name].level = level
	return nil
}

func GetLevel(name string) (Level, error) {
	logLock.RLock()
	defer logLock.RUnlock()

	if loggers[name] == nil {
		return -1, errors.New("logger does not exist")
	}
	return loggers[name].level, nil
}

// LogAll reads i line by line until EOF, logging each line under name at
// level. It starts a goroutine and returns immediately.
func LogAll(i io.Reader, level Level, name string) {
	go func(i io.Reader, level Level, name string) {
		r := bufio.NewReader(i)
		for {
			d, err := r.ReadString('\n')
			if d := strings.TrimSpace(d); d != "" {
				logf(level, name, "%s", d)
			}
			if level == FATAL {
				os.Exit(1)
			}
			if err != nil {
				break
			}
		}
	}(i, level, name)
}

func Filters(name string) ([]string, error) {
	logLock.RLock()
	defer logLock.RUnlock()

	l, ok := loggers[name]
	if !ok {
		return nil, fmt.Errorf("no such logger %v", name)
	}
	ret := make([]string, len(l.filters))
	copy(ret, l.filters)
	return ret, nil
}

func AddFilter(name string, filter string) error {
	logLock.Lock()
	defer logLock.Unlock()

	l, ok := loggers[name]
	if !ok {
		return fmt.Errorf("no such logger %v", name)
	}
	for _, f := range l.filters {
		if f == filter {
			return nil
		}
	}
	l.filters = append(l.filters, filter)
	return nil
}

func DelFilter(name string, filter string) error {
	logLock.Lock()
	defer logLock.Unlock()

	l, ok := loggers[name]
	if !ok {
		return fmt.Errorf("no such logger %v", name)
	}
	for i, f := range l.filters {
		if f == filter {
			l.filters = append(l.filters[:i], l.filters[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("filter %v does not exist", filter)
}

// Init sets up logging according to the package's flags. Call after
// flag.Parse().
func Init() {
	level, err := ParseLevel(*LevelFlag)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	color := runtime.GOOS != "windows"

	if *Verbose {
		AddLogger("stdio", os.Stderr, level, color)
	}

	if *File != "" {
		if err := os.MkdirAll(filepath.Dir(*File), 0755); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		logfile, err := os.OpenFile(*File, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0660)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		AddLogger("file", logfile, level, false)
	}
}

func logf(level Level, name, format string, arg ...interface{}) {
	logLock.RLock()
	defer logLock.RUnlock()

	for _, l := range loggers {
		if l.level <= level {
			l.logf(level, name, format, arg...)
		}
	}
}

func logln(level Level, name string, arg ...interface{}) {
	logLock.RLock()
	defer logLock.RUnlock()

	for _, l := range loggers {
		if l.level <= level {
			l.logln(level, name, arg...)
		}
	}
}

func Debug(format string, arg ...interface{}) { logf(DEBUG, "", format, arg...) }
func Info(format string, arg ...interface{})  { logf(INFO, "", format, arg...) }
func Warn(format string, arg ...interface{})  { logf(WARN, "", format, arg...) }
func Error(format string, arg ...interface{}) { logf(ERROR, "", format, arg...) }

func Fatal(format string, arg ...interface{}) {
	logf(FATAL, "", format, arg...)
	os.Exit(1)
}

func Debugln(arg ...interface{}) { logln(DEBUG, "", arg...) }
func Infoln(arg ...interface{})  { logln(INFO, "", arg...) }
func Warnln(arg ...interface{})  { logln(WARN, "", arg...) }
func Errorln(arg ...interface{}) { logln(ERROR, "", arg...) }

func Fatalln(arg ...interface{}) {
	logln(FATAL, "", arg...)
	os.Exit(1)
}
