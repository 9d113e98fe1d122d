// Package logger keeps a per-job in-memory log buffer.
//
// A job is a session load or a comparison run. Its detail lines are
// buffered while it runs:
//   - on error the buffer is replayed, followed by the error;
//   - on success the buffer is dropped and one summary line is written.
//
// The buffers belong to a single goroutine fed through a command channel,
// so there are no mutexes.
package logger

import (
	"bytes"
	"fmt"
	"log"
	"strings"
	"time"
)

type action int

const (
	actBegin action = iota
	actAppend
	actSuccess
	actFlushErr
	actSync
)

type cmd struct {
	act  action
	job  string
	tag  string        // component shown in brackets, for Begin
	text string        // detail line or summary
	err  error         // for FlushError
	when time.Time
	done chan struct{} // for Sync
}

var ch = make(chan cmd, 128)

// Begin starts buffering for job. tag names the component, e.g. "Session".
func Begin(job, tag string) { ch <- cmd{act: actBegin, job: job, tag: tag, when: time.Now()} }

// Append adds a detail line.
func Append(job, msg string) { ch <- cmd{act: actAppend, job: job, text: msg, when: time.Now()} }

// Appendf is Append with formatting.
func Appendf(job, format string, args ...any) { Append(job, fmt.Sprintf(format, args...)) }

// Success drops the buffer and writes one summary line.
func Success(job, summary string) {
	ch <- cmd{act: actSuccess, job: job, text: summary, when: time.Now()}
}

// FlushError replays the buffer and then the final error.
func FlushError(job string, err error) {
	ch <- cmd{act: actFlushErr, job: job, err: err, when: time.Now()}
}

// Sync returns once every command sent before it has been written.
func Sync() {
	done := make(chan struct{})
	ch <- cmd{act: actSync, done: done}
	<-done
}

func init() { go runloop() }

type buffer struct {
	tag     string
	started time.Time
	lines   bytes.Buffer
}

func runloop() {
	buffers := make(map[string]*buffer)

	for c := range ch {
		switch c.act {
		case actBegin:
			buffers[c.job] = &buffer{tag: c.tag, started: c.when}

		case actAppend:
			if b := buffers[c.job]; b != nil {
				fmt.Fprintf(&b.lines, "[%-8s][%s] %s\n", short(c.job), b.tag, c.text)
			} else {
				log.Printf("[%-8s] %s", short(c.job), c.text)
			}

		case actSuccess:
			tag, took := "Job", time.Duration(0)
			if b := buffers[c.job]; b != nil {
				tag, took = b.tag, c.when.Sub(b.started)
			}
			log.Printf("[%-8s][%s] ✔ %s (%s)", short(c.job), tag, c.text, took.Round(time.Millisecond))
			delete(buffers, c.job)

		case actFlushErr:
			if b := buffers[c.job]; b != nil {
				for _, ln := range strings.Split(strings.TrimRight(b.lines.String(), "\n"), "\n") {
					if ln != "" {
						log.Print(ln)
					}
				}
				delete(buffers, c.job)
			}
			log.Printf("[%-8s][ERROR] %v", short(c.job), c.err)

		case actSync:
			close(c.done)
		}
	}
}

// short trims UUIDs to their first group.
func short(job string) string {
	if len(job) > 8 {
		return job[:8]
	}
	return job
}
