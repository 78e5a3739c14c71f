package stream

import (
	"strings"
	"testing"
)

const multiByte = "héllo 世界 🎉 ok ÀÉÎ"

func TestTextDecoderAnySplit(t *testing.T) {
	b := []byte(multiByte)
	for i := 0; i <= len(b); i++ {
		var d TextDecoder
		got := d.Decode(b[:i], false) + d.Decode(b[i:], false) + d.Decode(nil, true)
		if got != multiByte {
			t.Fatalf("split at %d: got %q, want %q", i, got, multiByte)
		}
	}
}

func TestTextDecoderAnyTwoSplits(t *testing.T) {
	b := []byte("a€b🎉")
	for i := 0; i <= len(b); i++ {
		for j := i; j <= len(b); j++ {
			var d TextDecoder
			got := d.Decode(b[:i], false) + d.Decode(b[i:j], false) + d.Decode(b[j:], false) + d.Decode(nil, true)
			if got != "a€b🎉" {
				t.Fatalf("splits %d,%d: got %q", i, j, got)
			}
		}
	}
}

func TestTextDecoderByteAtATime(t *testing.T) {
	var d TextDecoder
	var sb strings.Builder
	for _, c := range []byte(multiByte) {
		sb.WriteString(d.Decode([]byte{c}, false))
	}
	sb.WriteString(d.Decode(nil, true))
	if sb.String() != multiByte {
		t.Errorf("got %q, want %q", sb.String(), multiByte)
	}
}

func TestTextDecoderInvalidMatchesUnsplit(t *testing.T) {
	b := []byte{'a', 0xE2, 0x82, 'b', 0xFF, 0xE2}

	var whole TextDecoder
	want := whole.Decode(b, true)
	if !strings.ContainsRune(want, '�') {
		t.Fatalf("expected replacement characters in %q", want)
	}

	for i := 0; i <= len(b); i++ {
		var d TextDecoder
		got := d.Decode(b[:i], false) + d.Decode(b[i:], false) + d.Decode(nil, true)
		if got != want {
			t.Errorf("split at %d: got %q, want %q", i, got, want)
		}
	}
}

func TestTextDecoderHoldsIncompleteSequence(t *testing.T) {
	euro := []byte("€")
	var d TextDecoder
	if got := d.Decode(euro[:2], false); got != "" {
		t.Errorf("partial sequence decoded early: %q", got)
	}
	if got := d.Decode(euro[2:], false); got != "€" {
		t.Errorf("got %q, want €", got)
	}
}
