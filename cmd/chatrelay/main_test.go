package main

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLogLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		" WARN ":  zerolog.WarnLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"":        zerolog.InfoLevel,
		"verbose": zerolog.InfoLevel,
	}
	for in, want := range cases {
		if got := parseLogLevel(in); got != want {
			t.Fatalf("parseLogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestRedact(t *testing.T) {
	err := errors.New(`dial postgres://relay:s3cret@db:5432/chat failed`)
	got := redact(err, dsnPassword("postgres://relay:s3cret@db:5432/chat"), "")
	if got != "dial postgres://relay:<redacted>@db:5432/chat failed" {
		t.Fatalf("unexpected redaction %q", got)
	}
	if redact(nil, "x") != "" {
		t.Fatalf("nil error should redact to empty")
	}
	if dsnPassword("chatrelay.db") != "" {
		t.Fatalf("file dsn has no password")
	}
}
