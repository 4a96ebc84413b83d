package protocol

import "bytes"

// MaxLineSize bounds a single buffered line. A device that never sends a
// newline would otherwise grow the buffer without limit.
const MaxLineSize = 64 * 1024

// Token is one unit produced by the Lexer: either a complete text line or a
// run of raw bytes belonging to a file transfer.
type Token struct {
	Line string
	Raw  []byte
}

// IsRaw reports whether the token carries raw transfer bytes.
func (t Token) IsRaw() bool {
	return t.Raw != nil
}

type lexMode int

const (
	modeLines lexMode = iota
	modeRawCount
	modeRawMarker
)

// Lexer splits a serial byte stream into logical lines. Input arrives in
// arbitrary chunks; only complete lines are emitted and a trailing partial line
// stays buffered until the rest arrives.
//
// While a file transfer is running the session switches the lexer to raw mode
// so binary payloads are passed through untouched instead of being split on
// newline bytes.
type Lexer struct {
	buf       []byte
	mode      lexMode
	remaining int
	marker    []byte
	stops     [][]byte
}

// NewLexer creates an empty lexer.
func NewLexer() *Lexer {
	return &Lexer{buf: make([]byte, 0, 1024)}
}

// Feed appends a chunk read from the transport.
func (l *Lexer) Feed(p []byte) {
	l.buf = append(l.buf, p...)
}

// ExpectRaw makes the next n bytes come out as raw tokens. The count is a
// hint: a newline followed by one of stops inside those n bytes ends raw mode
// early, so a short payload cannot swallow the lines after it. The newline
// (and a \r before it) is framing and dropped; the stop line is lexed normally.
func (l *Lexer) ExpectRaw(n int, stops ...string) {
	if n <= 0 {
		return
	}
	l.mode = modeRawCount
	l.remaining = n
	l.stops = l.stops[:0]
	for _, s := range stops {
		if s != "" {
			l.stops = append(l.stops, append([]byte{'\n'}, s...))
		}
	}
}

// ExpectRawUntil makes all bytes up to marker come out as raw tokens. The line
// terminator directly in front of the marker is treated as framing and dropped.
// The marker itself is left in the buffer so it is lexed as a normal line.
func (l *Lexer) ExpectRawUntil(marker string) {
	if marker == "" {
		return
	}
	l.mode = modeRawMarker
	l.marker = []byte(marker)
}

// Raw reports whether the lexer is currently in raw mode.
func (l *Lexer) Raw() bool {
	return l.mode != modeLines
}

// CancelRaw returns to line mode, keeping whatever is buffered.
func (l *Lexer) CancelRaw() {
	l.mode = modeLines
	l.remaining = 0
	l.marker = nil
	l.stops = l.stops[:0]
}

// Next returns the next complete token. The boolean is false when more input
// is needed.
func (l *Lexer) Next() (Token, bool) {
	for {
		switch l.mode {
		case modeRawCount:
			return l.nextRawCount()
		case modeRawMarker:
			return l.nextRawMarker()
		}

		idx := bytes.IndexByte(l.buf, '\n')
		if idx < 0 {
			if len(l.buf) > MaxLineSize {
				// Emit the oversized run as a line so it is logged and dropped
				// from the buffer instead of growing forever.
				line := string(l.buf)
				l.buf = l.buf[:0]
				return Token{Line: line}, true
			}
			return Token{}, false
		}

		line := l.buf[:idx]
		line = bytes.TrimSuffix(line, []byte{'\r'})
		text := string(line)
		l.consume(idx + 1)

		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		return Token{Line: text}, true
	}
}

func (l *Lexer) nextRawCount() (Token, bool) {
	if len(l.buf) == 0 {
		return Token{}, false
	}

	if idx := l.stopIndex(); idx >= 0 {
		end := idx
		if end > 0 && l.buf[end-1] == '\r' {
			end--
		}
		l.CancelRaw()
		if end == 0 {
			l.consume(idx + 1)
			return l.Next()
		}
		raw := make([]byte, end)
		copy(raw, l.buf[:end])
		l.consume(idx + 1)
		return Token{Raw: raw}, true
	}

	n := min(l.remaining, len(l.buf), l.safePrefix())
	if n == 0 {
		return Token{}, false
	}
	raw := make([]byte, n)
	copy(raw, l.buf[:n])
	l.consume(n)
	l.remaining -= n
	if l.remaining == 0 {
		l.CancelRaw()
	}
	return Token{Raw: raw}, true
}

// stopIndex returns the position of the newline of the earliest stop that
// starts inside the remaining payload, or -1.
func (l *Lexer) stopIndex() int {
	best := -1
	for _, stop := range l.stops {
		idx := bytes.Index(l.buf, stop)
		if idx >= 0 && idx < l.remaining && (best < 0 || idx < best) {
			best = idx
		}
	}
	return best
}

// safePrefix returns how many buffered bytes can be emitted without cutting
// into a stop that may still be completing in the next chunk.
func (l *Lexer) safePrefix() int {
	if len(l.stops) == 0 {
		return len(l.buf)
	}
	longest := 0
	for _, stop := range l.stops {
		longest = max(longest, len(stop))
	}
	for p := max(0, len(l.buf)-longest+1); p < len(l.buf) && p < l.remaining; p++ {
		if l.buf[p] != '\n' {
			continue
		}
		for _, stop := range l.stops {
			if bytes.HasPrefix(stop, l.buf[p:]) {
				if p > 0 && l.buf[p-1] == '\r' {
					return p - 1
				}
				return p
			}
		}
	}
	last := len(l.buf) - 1
	if last < l.remaining && l.buf[last] == '\r' {
		return last
	}
	return len(l.buf)
}

func (l *Lexer) nextRawMarker() (Token, bool) {
	idx := bytes.Index(l.buf, l.marker)
	if idx < 0 {
		// Hold back enough bytes to catch a marker split across chunks, plus
		// the CRLF that may precede it.
		keep := len(l.marker) + 2
		if len(l.buf) <= keep {
			return Token{}, false
		}
		n := len(l.buf) - keep
		raw := make([]byte, n)
		copy(raw, l.buf[:n])
		l.consume(n)
		return Token{Raw: raw}, true
	}

	end := idx
	if end > 0 && l.buf[end-1] == '\n' {
		end--
		if end > 0 && l.buf[end-1] == '\r' {
			end--
		}
	}
	l.mode = modeLines
	l.marker = nil
	if end == 0 {
		l.consume(idx)
		return l.Next()
	}
	raw := make([]byte, end)
	copy(raw, l.buf[:end])
	l.consume(idx)
	return Token{Raw: raw}, true
}

func (l *Lexer) consume(n int) {
	l.buf = l.buf[:copy(l.buf, l.buf[n:])]
}

// Reset drops any buffered partial data and returns to line mode.
func (l *Lexer) Reset() {
	l.buf = l.buf[:0]
	l.CancelRaw()
}

// Buffered returns the number of bytes waiting for a line terminator.
func (l *Lexer) Buffered() int {
	return len(l.buf)
}
