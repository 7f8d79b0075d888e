package httpapi

import (
	"bytes"
	"log"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]LogLevel{
		"":      LevelOff,
		"off":   LevelOff,
		"error": LevelError,
		"info":  LevelInfo,
		"debug": LevelDebug,
		"weird": LevelInfo, // default
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestRequestLogLevel_Overrides(t *testing.T) {
	// query param ?log=debug
	r := httptest.NewRequest("GET", "/x?log=debug", nil)
	if got := requestLogLevel(r); got != LevelDebug {
		t.Fatalf("query override failed: %v", got)
	}
	// legacy query param ?log=1
	r = httptest.NewRequest("GET", "/x?log=1", nil)
	if got := requestLogLevel(r); got != LevelDebug {
		t.Fatalf("legacy query override failed: %v", got)
	}
	// header X-Log-Level
	r = httptest.NewRequest("GET", "/x", nil)
	r.Header.Set("X-Log-Level", "error")
	if got := requestLogLevel(r); got != LevelError {
		t.Fatalf("header override failed: %v", got)
	}
	// query wins over header
	r = httptest.NewRequest("GET", "/x?log=off", nil)
	r.Header.Set("X-Log-Level", "debug")
	if got := requestLogLevel(r); got != LevelOff {
		t.Fatalf("query precedence failed: %v", got)
	}
}

func TestLoggingLineWriter_SplitsLines(t *testing.T) {
	var buf bytes.Buffer
	orig := log.Writer()
	defer log.SetOutput(orig)
	log.SetOutput(&buf)

	lw := &loggingLineWriter{id: "dep-1"}
	_, _ = lw.Write([]byte("{\"progress\":10}\n{\"progress\""))
	_, _ = lw.Write([]byte(":20}\n{\"progress\":30}\n"))

	out := buf.String()
	if !strings.Contains(out, `events> {"progress":10}`) {
		t.Fatalf("missing logged line: %q", out)
	}
	if !strings.Contains(out, `events> {"progress":20}`) {
		t.Fatalf("missing joined line: %q", out)
	}
	if !strings.Contains(out, `events> {"progress":30}`) {
		t.Fatalf("missing last line: %q", out)
	}
}

func TestLoggingLineWriter_UsesZerolog(t *testing.T) {
	var buf bytes.Buffer
	SetLogger(zerolog.New(&buf).Level(zerolog.DebugLevel))
	defer func() { zlog = nil }()
	lw := &loggingLineWriter{id: "dep-1"}
	_, _ = lw.Write([]byte("{\"progress\":40}\n"))
	if !strings.Contains(buf.String(), `"deployment":"dep-1"`) || !strings.Contains(buf.String(), `"event":{"progress":40}`) {
		t.Fatalf("log=%s", buf.String())
	}
}

func TestLogRequest_RespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	SetLogger(zerolog.New(&buf))
	defer func() { zlog = nil }()
	r := httptest.NewRequest("POST", "/api/v1/deployments", nil)
	logRequest(r, LevelError, "deploy", 202, time.Now(), nil)
	if buf.Len() != 0 {
		t.Fatalf("success logged at error level: %s", buf.String())
	}
	logRequest(r, LevelError, "deploy", 409, time.Now(), errString("conflict"))
	if !strings.Contains(buf.String(), `"status":409`) {
		t.Fatalf("failure not logged: %s", buf.String())
	}
}

type errString string

func (e errString) Error() string { return string(e) }
