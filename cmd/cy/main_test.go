package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestVersionCmd(t *testing.T) {
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"version"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("version command failed: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "cy dev") {
		t.Errorf("expected output to contain 'cy dev', got: %s", out)
	}
	if !strings.Contains(out, "commit: none") {
		t.Errorf("expected output to contain 'commit: none', got: %s", out)
	}
}

func TestVersionCmdWithCustomValues(t *testing.T) {
	origVersion, origCommit, origDate := Version, Commit, Date
	Version, Commit, Date = "1.0.0", "abc123", "2026-01-01"
	defer func() { Version, Commit, Date = origVersion, origCommit, origDate }()

	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"version"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("version command failed: %v", err)
	}
	if out := buf.String(); !strings.Contains(out, "cy 1.0.0 (commit: abc123, built: 2026-01-01)") {
		t.Errorf("unexpected output: %s", out)
	}
}

func TestRootCmdHelp(t *testing.T) {
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--help"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("help failed: %v", err)
	}
	for _, sub := range []string{"serve", "db", "sessions", "chat", "queue", "version"} {
		if !strings.Contains(buf.String(), sub) {
			t.Errorf("help output missing %q", sub)
		}
	}
}

func TestAgo(t *testing.T) {
	now := mustTime(t, "2026-03-01T12:00:00Z")
	tests := []struct {
		at   string
		want string
	}{
		{"2026-03-01T11:59:50Z", "<1m"},
		{"2026-03-01T11:55:00Z", "5m"},
		{"2026-03-01T09:45:00Z", "2h15m"},
	}
	for _, tt := range tests {
		if got := ago(now, mustTime(t, tt.at)); got != tt.want {
			t.Errorf("ago(%s) = %q, want %q", tt.at, got, tt.want)
		}
	}
}

func TestTable_PlainWhenNotTerminal(t *testing.T) {
	var buf bytes.Buffer
	if err := table(&buf, []string{"A", "B"}, [][]string{{"1", "2"}}); err != nil {
		t.Fatal(err)
	}
	if buf.String() != "A\tB\n1\t2\n" {
		t.Errorf("table = %q", buf.String())
	}
}
