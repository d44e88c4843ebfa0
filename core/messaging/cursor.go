package messaging

import (
	"io"
	"strings"
)

// cursorBufferSize bounds the stack buffer used to render cursors; longer
// cursors are rendered through a strings.Builder with identical output.
const cursorBufferSize = 512

const hexDigits = "0123456789ABCDEF"

// Cursor is the next id to read for one key.
type Cursor struct {
	Key string
	ID  uint64

	escapedKey string // key as written on the wire, minified and escaped
}

// NewCursor creates a cursor whose wire key is the escaped key.
func NewCursor(key string, id uint64) Cursor {
	return Cursor{Key: key, ID: id, escapedKey: Escape(key)}
}

// NewMinifiedCursor creates a cursor whose wire key is the escaped minified token.
func NewMinifiedCursor(key string, id uint64, minifiedKey string) Cursor {
	return Cursor{Key: key, ID: id, escapedKey: Escape(minifiedKey)}
}

func (c Cursor) wireKey() string {
	if c.escapedKey == "" && c.Key != "" {
		return Escape(c.Key)
	}
	return c.escapedKey
}

// Escape backslash-escapes the cursor separators \ | and , in s.
func Escape(s string) string {
	if !strings.ContainsAny(s, `\|,`) {
		return s
	}

	var sb strings.Builder
	sb.Grow(len(s) + 4)
	for i := 0; i < len(s); i++ {
		switch ch := s[i]; ch {
		case '\\', '|', ',':
			sb.WriteByte('\\')
			sb.WriteByte(ch)
		default:
			sb.WriteByte(ch)
		}
	}
	return sb.String()
}

// MakeCursor renders cursors as escapedKey,HEXID entries joined by |.
func MakeCursor(cursors []Cursor) string {
	return renderCursors(cursors, "")
}

// WriteCursors writes prefix followed by the rendered cursors to w.
func WriteCursors(w io.Writer, cursors []Cursor, prefix string) error {
	_, err := io.WriteString(w, renderCursors(cursors, prefix))
	return err
}

func renderCursors(cursors []Cursor, prefix string) string {
	var buf [cursorBufferSize]byte
	if n, ok := renderCursorsFast(buf[:], cursors, prefix); ok {
		return string(buf[:n])
	}

	var sb strings.Builder
	sb.WriteString(prefix)
	var hex [16]byte
	for i, c := range cursors {
		if i > 0 {
			sb.WriteByte('|')
		}
		sb.WriteString(c.wireKey())
		sb.WriteByte(',')
		sb.Write(appendHex(hex[:0], c.ID))
	}
	return sb.String()
}

// renderCursorsFast writes into buf and reports false when buf is too small.
func renderCursorsFast(buf []byte, cursors []Cursor, prefix string) (int, bool) {
	n := 0
	put := func(s string) bool {
		if n+len(s) > len(buf) {
			return false
		}
		n += copy(buf[n:], s)
		return true
	}

	if !put(prefix) {
		return 0, false
	}
	for i, c := range cursors {
		if i > 0 && !put("|") {
			return 0, false
		}
		if !put(c.wireKey()) || !put(",") {
			return 0, false
		}
		if n+16 > len(buf) {
			return 0, false
		}
		n += len(appendHex(buf[n:n], c.ID))
	}
	return n, true
}

// appendHex appends v as unpadded uppercase hex.
func appendHex(dst []byte, v uint64) []byte {
	if v == 0 {
		return append(dst, '0')
	}
	var tmp [16]byte
	i := len(tmp)
	for v > 0 {
		i--
		tmp[i] = hexDigits[v&0xF]
		v >>= 4
	}
	return append(dst, tmp[i:]...)
}

// ParseCursors parses a cursor string produced by WriteCursors.
// unminify maps wire keys back to topic keys; nil means keys are used as is.
// A key unminify cannot resolve yields ErrCursorKeyNotFound, a string that
// does not start with prefix yields ErrCursorPrefixMismatch, anything else
// malformed yields ErrInvalidCursor.
func ParseCursors(s, prefix string, unminify func(string) (string, bool)) ([]Cursor, error) {
	if s == "" {
		return nil, ErrInvalidCursor
	}
	if !strings.HasPrefix(s, prefix) {
		return nil, ErrCursorPrefixMismatch
	}
	if unminify == nil {
		unminify = func(k string) (string, bool) { return k, true }
	}

	var (
		cursors      []Cursor
		seen         = make(map[string]struct{})
		key, escaped string
		sb, sbEsc    strings.Builder
		escape       bool
		consumingKey = true
	)

	finish := func() error {
		id, err := parseHexID(sb.String())
		if err != nil {
			return err
		}
		if _, dup := seen[key]; dup {
			return ErrInvalidCursor
		}
		seen[key] = struct{}{}
		cursors = append(cursors, Cursor{Key: key, ID: id, escapedKey: escaped})
		sb.Reset()
		consumingKey = true
		return nil
	}

	for i := len(prefix); i < len(s); i++ {
		ch := s[i]
		if escape {
			// escape is only ever set while consuming a key
			if ch != '\\' && ch != ',' && ch != '|' {
				return nil, ErrInvalidCursor
			}
			sb.WriteByte(ch)
			sbEsc.WriteByte(ch)
			escape = false
			continue
		}

		switch ch {
		case '\\':
			if !consumingKey {
				return nil, ErrInvalidCursor
			}
			sbEsc.WriteByte('\\')
			escape = true
		case ',':
			if !consumingKey {
				return nil, ErrInvalidCursor
			}
			k, ok := unminify(sb.String())
			if !ok {
				return nil, ErrCursorKeyNotFound
			}
			key, escaped = k, sbEsc.String()
			sb.Reset()
			sbEsc.Reset()
			consumingKey = false
		case '|':
			if consumingKey {
				return nil, ErrInvalidCursor
			}
			if err := finish(); err != nil {
				return nil, err
			}
		default:
			sb.WriteByte(ch)
			if consumingKey {
				sbEsc.WriteByte(ch)
			}
		}
	}

	if consumingKey || escape {
		return nil, ErrInvalidCursor
	}
	if err := finish(); err != nil {
		return nil, err
	}
	return cursors, nil
}

func parseHexID(s string) (uint64, error) {
	if s == "" || len(s) > 16 {
		return 0, ErrInvalidCursor
	}
	var id uint64
	for i := 0; i < len(s); i++ {
		ch := s[i]
		var d byte
		switch {
		case ch >= '0' && ch <= '9':
			d = ch - '0'
		case ch >= 'A' && ch <= 'F':
			d = ch - 'A' + 10
		case ch >= 'a' && ch <= 'f':
			d = ch - 'a' + 10
		default:
			return 0, ErrInvalidCursor
		}
		id = id<<4 | uint64(d)
	}
	return id, nil
}

// StringMinifier maps topic keys to short tokens written into cursors.
type StringMinifier interface {
	Minify(key string) string
	Unminify(token string) (string, bool)
	RemoveUnminified(key string)
}

type identityMinifier struct{}

func (identityMinifier) Minify(key string) string { return key }

func (identityMinifier) Unminify(token string) (string, bool) { return token, true }

func (identityMinifier) RemoveUnminified(string) {}
