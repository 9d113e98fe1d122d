package sysinfo

import (
	"errors"
	"strings"
	"testing"
)

func TestCheck(t *testing.T) {
	t.Parallel()

	cases := []struct {
		need, have uint64
		ok         bool
	}{
		{need: 0, have: 0, ok: true},
		{need: 79, have: 100, ok: true},
		{need: 80, have: 100, ok: true},
		{need: 81, have: 100, ok: false},
		{need: 1 << 30, have: 1 << 20, ok: false},
	}
	for _, tc := range cases {
		err := Check(tc.need, tc.have)
		if tc.ok && err != nil {
			t.Fatalf("Check(%d,%d)=%v", tc.need, tc.have, err)
		}
		if !tc.ok {
			var me *MemoryError
			if !errors.As(err, &me) || !errors.Is(err, ErrInsufficientMemory) {
				t.Fatalf("Check(%d,%d)=%v", tc.need, tc.have, err)
			}
		}
	}
}

func TestMemoryString(t *testing.T) {
	t.Parallel()

	m := Memory{Total: 8 << 30, Available: 2 << 30, UsedPercent: 75}
	if s := m.String(); !strings.Contains(s, "2.0 GiB available of 8.0 GiB") {
		t.Fatalf("String()=%q", s)
	}
	if got := Bytes(1536); got != "1.5 KiB" {
		t.Fatalf("Bytes=%q", got)
	}
}
