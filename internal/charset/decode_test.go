package charset

import (
	"bytes"
	"testing"
)

func TestDecode_UTF8Valid(t *testing.T) {
	in := []byte("Hello, 世界! Привет мир!")
	got, problem := Decode(in, "utf-8")
	if problem {
		t.Error("valid UTF-8 should not report a problem")
	}
	if !bytes.Equal(got, in) {
		t.Errorf("got %q, want unchanged %q", got, in)
	}
}

func TestDecode_EmptyCharsetDefaultsToASCII(t *testing.T) {
	got, problem := Decode([]byte("plain text"), "")
	if problem {
		t.Error("ASCII content with empty charset should not report a problem")
	}
	if string(got) != "plain text" {
		t.Errorf("got %q", got)
	}
}

func TestDecode_InvalidUTF8FallsBackToLatin1(t *testing.T) {
	// 0xE9 is é in ISO-8859-1 and invalid as a standalone UTF-8 byte.
	got, problem := Decode([]byte{'c', 'a', 'f', 0xE9}, "utf-8")
	if !problem {
		t.Error("invalid UTF-8 should report a fallback")
	}
	if string(got) != "café" {
		t.Errorf("got %q, want café", got)
	}
}

func TestDecode_ISO88591(t *testing.T) {
	got, problem := Decode([]byte{'n', 0xE4, 'h', 'e'}, "iso-8859-1")
	if problem {
		t.Error("known charset should not report a problem")
	}
	if string(got) != "nähe" {
		t.Errorf("got %q, want nähe", got)
	}
}

func TestDecode_Latin1Alias(t *testing.T) {
	got, problem := Decode([]byte{0xFC}, "latin1")
	if problem {
		t.Error("latin1 alias should resolve")
	}
	if string(got) != "ü" {
		t.Errorf("got %q, want ü", got)
	}
}

func TestDecode_UnknownCharsetPassesThrough(t *testing.T) {
	in := []byte("whatever")
	got, problem := Decode(in, "x-nonexistent-charset")
	if !problem {
		t.Error("unknown charset should report a problem")
	}
	if !bytes.Equal(got, in) {
		t.Errorf("got %q, want pass-through %q", got, in)
	}
}

func TestDecode_CharsetNameNormalized(t *testing.T) {
	got, problem := Decode([]byte{0xE9}, "  ISO-8859-1  ")
	if problem {
		t.Error("padded uppercase charset name should normalize")
	}
	if string(got) != "é" {
		t.Errorf("got %q, want é", got)
	}
}
