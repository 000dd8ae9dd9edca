package utils

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestReplaceIllegalName(t *testing.T) {
	tests := map[string]string{
		"hello":                "hello",
		`a/b\c`:                "abc",
		`x:*?"<>|y`:            "xy",
		"title.":               "title",
		".":                    ".",
		"[Circle] Title (C99)": "[Circle] Title (C99)",
		"":                     "",
	}
	for in, want := range tests {
		if got := ReplaceIllegalName(in); got != want {
			t.Errorf("ReplaceIllegalName(%q) = %q, want %q", in, got, want)
		}
	}

	long := ReplaceIllegalName(strings.Repeat("あ", 100)) // 300 bytes
	if len(long) != 249 || !utf8.ValidString(long) {
		t.Errorf("long name cut to %d bytes (valid utf8: %v), want 249", len(long), utf8.ValidString(long))
	}
}

func TestTruncateUTF8(t *testing.T) {
	if got := TruncateUTF8("abc", 5); got != "abc" {
		t.Errorf("short string changed: %q", got)
	}
	if got := TruncateUTF8("aé", 2); got != "a" {
		t.Errorf("TruncateUTF8 split a rune: %q", got)
	}
}

func TestCompileRegex(t *testing.T) {
	tests := []struct {
		pattern string
		icase   bool
		input   string
		match   bool
	}{
		{"^Foo", true, "foo bar", true},
		{"^Foo", false, "foo bar", false},
		{"english|translated", true, "[Group] Title [English]", true},
	}
	for _, tt := range tests {
		re, err := CompileRegex(tt.pattern, tt.icase)
		if err != nil {
			t.Fatalf("CompileRegex(%q): %v", tt.pattern, err)
		}
		if got := re.MatchString(tt.input); got != tt.match {
			t.Errorf("%q (icase=%v) on %q = %v, want %v", tt.pattern, tt.icase, tt.input, got, tt.match)
		}
	}

	if _, err := CompileRegex("[invalid", false); !errors.Is(err, ErrInvalidPattern) {
		t.Errorf("CompileRegex() error = %v, want wrapped ErrInvalidPattern", err)
	}
}

func TestChecksums(t *testing.T) {
	path := filepath.Join(t.TempDir(), "page.txt")
	if err := os.WriteFile(path, []byte("hello world"), 0o644); err != nil {
		t.Fatal(err)
	}

	sha, err := ReaderSHA1(strings.NewReader("hello world"))
	if err != nil || sha != "2aae6c35c94fcfb415dbe95f408b9ce91ee846ed" {
		t.Errorf("ReaderSHA1() = %q, %v", sha, err)
	}
	crc, err := CalculateFileCRC32(path)
	if err != nil || crc != "D4A1185" {
		t.Errorf("CalculateFileCRC32() = %q, %v, want D4A1185", crc, err)
	}

	_, err = CalculateFileCRC32("/nonexistent/path/file.txt")
	if !errors.Is(err, os.ErrNotExist) || !errors.Is(err, ErrFilesystem) {
		t.Errorf("missing file error = %v", err)
	}
}
