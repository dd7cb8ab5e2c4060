package crawler

import (
	"regexp"
	"strings"
	"testing"
)

var safeNamePattern = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

func TestSafeBasename(t *testing.T) {
	name := SafeBasename("https://www.netz-beispiel.de/downloads/preisblatt-2025.pdf")

	prefix := "www.netz-beispiel.de_downloads_preisblatt-2025.pdf_"
	if !strings.HasPrefix(name, prefix) {
		t.Fatalf("SafeBasename = %q, want prefix %q", name, prefix)
	}
	if got, want := len(name), len(prefix)+16; got != want {
		t.Errorf("len = %d, want %d (16 hex hash chars)", got, want)
	}
	if !safeNamePattern.MatchString(name) {
		t.Errorf("SafeBasename = %q contains unsafe characters", name)
	}
	if again := SafeBasename("https://www.netz-beispiel.de/downloads/preisblatt-2025.pdf"); again != name {
		t.Errorf("SafeBasename is not deterministic: %q vs %q", name, again)
	}
}

func TestSafeBasenameRootPath(t *testing.T) {
	name := SafeBasename("https://netz.example.de")
	if !strings.HasPrefix(name, "netz.example.de_root_") {
		t.Fatalf("SafeBasename = %q, want root placeholder path", name)
	}
}

func TestSafeBasenameTruncatesLongPaths(t *testing.T) {
	raw := "https://x.de/" + strings.Repeat("a", 100) + "/preisblatt.pdf"
	name := SafeBasename(raw)

	if got, want := len(name), len("x.de")+1+80+1+16; got != want {
		t.Fatalf("len = %d, want %d", got, want)
	}
	if !strings.Contains(name, "preisblatt.pdf") {
		t.Errorf("SafeBasename = %q, want the path tail preserved", name)
	}
}

func TestSafeBasenameQueryDisambiguatesViaHash(t *testing.T) {
	a := SafeBasename("https://x.de/download?id=1")
	b := SafeBasename("https://x.de/download?id=2")
	if a == b {
		t.Fatalf("SafeBasename collides for distinct URLs: %q", a)
	}
}

func TestSafeBasenameUnparseableURL(t *testing.T) {
	name := SafeBasename("://bad")
	if !regexp.MustCompile(`^[0-9a-f]{40}$`).MatchString(name) {
		t.Fatalf("SafeBasename = %q, want bare sha1 hex", name)
	}
}
