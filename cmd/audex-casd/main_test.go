package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestListBackends(t *testing.T) {
	var out, errOut bytes.Buffer
	if code := run([]string{"-list-backends"}, &out, &errOut); code != 0 {
		t.Fatalf("exit %d: %s", code, errOut.String())
	}
	for _, name := range []string{"localfs", "memory", "ipfs"} {
		if !strings.Contains(out.String(), name) {
			t.Fatalf("backend %q missing from:\n%s", name, out.String())
		}
	}
	if !strings.Contains(out.String(), "-opt dir=") {
		t.Fatalf("options not documented:\n%s", out.String())
	}
}

func TestBadInvocation(t *testing.T) {
	var out, errOut bytes.Buffer
	if code := run([]string{"-opt", "novalue"}, &out, &errOut); code != 2 {
		t.Fatalf("expected exit 2, got %d", code)
	}
	errOut.Reset()
	if code := run([]string{"-backend", "nope"}, &out, &errOut); code != 2 {
		t.Fatalf("expected exit 2, got %d", code)
	}
	if !strings.Contains(errOut.String(), "unknown backend") {
		t.Fatalf("unexpected error output: %s", errOut.String())
	}
}
