package fsutil

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestExpandHome(t *testing.T) {
	// Set a deterministic HOME for the duration of this test so we never skip.
	origHome, hadHome := os.LookupEnv("HOME")
	origUserProfile, hadUserProfile := os.LookupEnv("USERPROFILE")
	t.Cleanup(func() {
		if hadHome {
			_ = os.Setenv("HOME", origHome)
		} else {
			_ = os.Unsetenv("HOME")
		}
		if hadUserProfile {
			_ = os.Setenv("USERPROFILE", origUserProfile)
		} else {
			_ = os.Unsetenv("USERPROFILE")
		}
	})

	home := t.TempDir()
	// Configure both env vars for cross-platform behavior of os.UserHomeDir.
	_ = os.Setenv("HOME", home)
	if runtime.GOOS == "windows" {
		_ = os.Setenv("USERPROFILE", home)
	}
	// raw path unaffected
	if got, err := ExpandHome("/tmp"); err != nil || got != "/tmp" {
		t.Fatalf("got %q err=%v", got, err)
	}
	// empty path
	if got, err := ExpandHome(""); err != nil || got != "" {
		t.Fatalf("got %q err=%v", got, err)
	}
	// ~ expansion
	p, err := ExpandHome("~")
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if p != home {
		t.Fatalf("expected %q, got %q", home, p)
	}
	// ~/subdir
	sub := "test-sub"
	exp, err := ExpandHome("~/" + sub)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if runtime.GOOS == "windows" {
		if filepath.Base(exp) != sub {
			t.Fatalf("unexpected expanded path: %q", exp)
		}
	} else {
		expected := filepath.Join(home, sub)
		if exp != expected {
			t.Fatalf("expected %q, got %q", expected, exp)
		}
	}
}

func TestResolveDirCreates(t *testing.T) {
	base := t.TempDir()
	want := filepath.Join(base, "a", "b")
	got, err := ResolveDir(want)
	if err != nil { t.Fatalf("resolve: %v", err) }
	if got != want { t.Fatalf("got %q want %q", got, want) }
	if !PathExists(got) { t.Fatalf("dir not created") }
}

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "marker.json")
	if err := WriteFileAtomic(p, []byte(`{"a":1}`), 0o644); err != nil { t.Fatalf("write: %v", err) }
	if err := WriteFileAtomic(p, []byte(`{"a":2}`), 0o644); err != nil { t.Fatalf("overwrite: %v", err) }
	b, err := os.ReadFile(p)
	if err != nil || string(b) != `{"a":2}` { t.Fatalf("content %q err=%v", b, err) }
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 { t.Fatalf("temp files left behind: %d entries", len(entries)) }
}
