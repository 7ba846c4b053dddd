package outputlog

import "testing"

func TestStripANSIRemovesSequences(t *testing.T) {
	input := "\x1b[31mred\x1b[0m \x1b]0;title\x07plain\x1bP payload\x1b\\ done"
	if got := StripANSI(input); got != "red plain done" {
		t.Fatalf("unexpected output: %q", got)
	}
}

func TestANSIStripperAcrossWrites(t *testing.T) {
	var f ANSIStripper
	first := f.Write([]byte("ab\x1b["))
	second := f.Write([]byte("1;2mcd"))
	if string(first) != "ab" || string(second) != "cd" {
		t.Fatalf("unexpected split output: %q %q", first, second)
	}
}

func TestLinesSequencesCompleteLines(t *testing.T) {
	lines := NewLines(10)
	if n := lines.Append([]byte("one\ntw")); n != 1 {
		t.Fatalf("expected 1 complete line, got %d", n)
	}
	if lines.Pending() != "tw" {
		t.Fatalf("unexpected carry: %q", lines.Pending())
	}
	lines.Append([]byte("o\r\nthree\n"))

	got := lines.After(0)
	if len(got) != 3 {
		t.Fatalf("expected 3 lines, got %#v", got)
	}
	for i, expected := range []string{"one", "two", "three"} {
		if got[i].Text != expected || got[i].Seq != uint64(i+1) {
			t.Fatalf("line %d: got %#v", i, got[i])
		}
	}
	if after := lines.After(2); len(after) != 1 || after[0].Text != "three" {
		t.Fatalf("unexpected After(2): %#v", after)
	}
	if lines.LastSeq() != 3 {
		t.Fatalf("expected last seq 3, got %d", lines.LastSeq())
	}
}

func TestLinesRingDropsOldest(t *testing.T) {
	lines := NewLines(2)
	lines.Append([]byte("a\nb\nc\n"))
	got := lines.After(0)
	if len(got) != 2 || got[0].Text != "b" || got[0].Seq != 2 {
		t.Fatalf("unexpected retained lines: %#v", got)
	}
}

func TestLinesCarriageReturnRedraw(t *testing.T) {
	lines := NewLines(5)
	lines.Append([]byte("10%\r50%\r100%\n"))
	if tail := lines.Tail(1); len(tail) != 1 || tail[0] != "100%" {
		t.Fatalf("unexpected tail: %#v", tail)
	}
}

func TestLinesTailIncludesPending(t *testing.T) {
	lines := NewLines(5)
	lines.Append([]byte("a\nb\nprompt> "))
	tail := lines.Tail(2)
	if len(tail) != 2 || tail[0] != "b" || tail[1] != "prompt> " {
		t.Fatalf("unexpected tail: %#v", tail)
	}
	lines.Flush()
	if lines.Pending() != "" || lines.LastSeq() != 3 {
		t.Fatalf("flush did not complete pending line")
	}
}
