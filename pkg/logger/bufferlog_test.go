package logger

import (
	"bytes"
	"errors"
	"log"
	"strings"
	"testing"
)

func TestBufferReplayedOnlyOnError(t *testing.T) {
	var out bytes.Buffer
	prevOut, prevFlags := log.Writer(), log.Flags()
	log.SetOutput(&out)
	log.SetFlags(0)
	defer func() {
		log.SetOutput(prevOut)
		log.SetFlags(prevFlags)
	}()

	Begin("job-ok-0001", "Session")
	Append("job-ok-0001", "loading 5y")
	Success("job-ok-0001", "3 windows loaded")

	Begin("job-bad-002", "Run")
	Appendf("job-bad-002", "pair %s", "5y-2y")
	FlushError("job-bad-002", errors.New("shape mismatch"))
	Sync()

	got := out.String()
	if strings.Contains(got, "loading 5y") {
		t.Fatalf("successful job leaked details:\n%s", got)
	}
	for _, want := range []string{"✔ 3 windows loaded", "[job-bad-][Run] pair 5y-2y", "[job-bad-][ERROR] shape mismatch"} {
		if !strings.Contains(got, want) {
			t.Fatalf("missing %q in:\n%s", want, got)
		}
	}
}
