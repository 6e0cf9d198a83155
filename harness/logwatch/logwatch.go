// Package logwatch inspects the log files of managed node processes. Log
// lines are the only window into a black-box child process, so tests
// synchronize with server-side state transitions (failpoints, background
// tasks) by waiting for a matching line to appear.
package logwatch

import (
	"bufio"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/golang/glog"
)

// Cursor is an opaque position in a node's log. A zero Cursor scans from the
// start. Cursors returned by Contains are strictly past the matched line, so
// repeated polls never see a line twice.
type Cursor struct {
	lineNo int
}

// Watcher scans one log file. Each call re-opens and re-reads the file from
// the cursor; cheap enough for a test harness, and it needs no tailing
// goroutine.
type Watcher struct {
	Path string
}

// Contains returns the first line at or after cursor that matches pattern
// (a regexp), with a cursor advanced past it. found is false if no line
// matched; a missing log file is treated as no match.
func (w *Watcher) Contains(pattern string, cursor Cursor) (line string, next Cursor, found bool, err error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return "", cursor, false, fmt.Errorf("bad log pattern %q: %w", pattern, err)
	}

	f, err := os.Open(w.Path)
	if err != nil {
		if os.IsNotExist(err) {
			glog.Warningf("skipping log check: %s does not exist", w.Path)
			return "", cursor, false, nil
		}
		return "", cursor, false, err
	}
	defer f.Close()

	// NB: server-side logging is buffered, so a line logged a moment ago is
	// not guaranteed to be on disk yet. Callers poll.
	curLine := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if curLine < cursor.lineNo {
			curLine++
			continue
		}
		curLine++
		if re.MatchString(scanner.Text()) {
			return scanner.Text(), Cursor{lineNo: curLine}, true, nil
		}
	}
	return "", Cursor{lineNo: curLine}, false, scanner.Err()
}

// Inspectable is the capability of exposing a log file for scanning. Every
// managed node handle implements it.
type Inspectable interface {
	LogWatcher() *Watcher
}

// ScanForErrors returns every log line that looks like an error and is not
// covered by one of the allowed regexps.
func ScanForErrors(path string, allowed []string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	allowedRe := make([]*regexp.Regexp, 0, len(allowed))
	for _, p := range allowed {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("bad allowed-error pattern %q: %w", p, err)
		}
		allowedRe = append(allowedRe, re)
	}

	var offenders []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.Contains(line, "ERROR") && !strings.Contains(line, "FATAL") && !strings.Contains(line, "PANIC") {
			continue
		}
		permitted := false
		for _, re := range allowedRe {
			if re.MatchString(line) {
				permitted = true
				break
			}
		}
		if !permitted {
			offenders = append(offenders, line)
		}
	}
	return offenders, scanner.Err()
}

// TailLog returns up to the last n lines of a log, for attaching to failure
// diagnostics.
func TailLog(path string, n int) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Sprintf("(could not read %s: %v)", path, err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
