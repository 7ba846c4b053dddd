package outputlog

import (
	"strings"
	"sync"

	"fleet/internal/buffer"
)

const DefaultMaxLines = 1000

// Line is one complete output line with its position in the stream.
type Line struct {
	Seq  uint64
	Text string
}

// Lines splits a byte stream into sequenced lines and keeps the most recent
// ones. Sequence numbers start at 1 and never repeat.
type Lines struct {
	mu       sync.Mutex
	lines    *buffer.Ring[Line]
	stripper ANSIStripper
	carry    string
	nextSeq  uint64
}

func NewLines(maxLines int) *Lines {
	if maxLines <= 0 {
		maxLines = DefaultMaxLines
	}
	return &Lines{
		lines:   buffer.NewRing[Line](maxLines),
		nextSeq: 1,
	}
}

// Append adds raw output and returns the number of complete lines it produced.
func (b *Lines) Append(data []byte) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	clean := b.stripper.Write(data)
	if len(clean) == 0 {
		return 0
	}
	chunk := b.carry + string(clean)
	chunk = strings.ReplaceAll(chunk, "\r\n", "\n")
	parts := strings.Split(chunk, "\n")
	b.carry = parts[len(parts)-1]
	parts = parts[:len(parts)-1]
	for _, part := range parts {
		b.add(part)
	}
	return len(parts)
}

// Flush turns any partial trailing line into a complete one.
func (b *Lines) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.carry != "" {
		b.add(b.carry)
		b.carry = ""
	}
}

// After returns retained lines with Seq > seq, oldest first.
func (b *Lines) After(seq uint64) []Line {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lines.Filter(func(line Line) bool {
		return line.Seq > seq
	})
}

// Tail returns up to n recent lines, including a partial trailing line.
func (b *Lines) Tail(n int) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	lines := b.lines.Tail(n)
	result := make([]string, 0, len(lines)+1)
	for _, line := range lines {
		result = append(result, line.Text)
	}
	if b.carry != "" {
		result = append(result, b.carry)
		if n > 0 && len(result) > n {
			result = result[len(result)-n:]
		}
	}
	return result
}

// Pending returns the partial line not yet terminated by a newline.
func (b *Lines) Pending() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.carry
}

// LastSeq is the sequence number of the newest complete line, or 0.
func (b *Lines) LastSeq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nextSeq - 1
}

func (b *Lines) add(text string) {
	text = strings.TrimRight(text, "\r")
	if idx := strings.LastIndexByte(text, '\r'); idx >= 0 {
		// A bare carriage return redraws the line; keep what is visible.
		text = text[idx+1:]
	}
	b.lines.Add(Line{Seq: b.nextSeq, Text: text})
	b.nextSeq++
}
