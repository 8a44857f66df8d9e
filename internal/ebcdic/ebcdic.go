package ebcdic

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/pkg/errors"
	"golang.org/x/text/encoding/charmap"
)

// Table maps EBCDIC (code page 037) bytes to printable runes. Bytes below
// 0x40 are control codes and render as a space; unprintable glyphs as '.'.
var Table = func() [256]rune {
	var t [256]rune
	for i := range t {
		if i < 0x40 {
			t[i] = ' '
			continue
		}
		r := charmap.CodePage037.DecodeByte(byte(i))
		if !unicode.IsPrint(r) {
			r = '.'
		}
		t[i] = r
	}
	return t
}()

// ToASCII renders EBCDIC bytes as text.
func ToASCII(b []byte) string {
	var sb strings.Builder
	sb.Grow(len(b))
	for _, c := range b {
		sb.WriteRune(Table[c])
	}
	return sb.String()
}

// FromASCII encodes s in code page 037, for typing into a field.
func FromASCII(s string) ([]byte, error) {
	b, err := charmap.CodePage037.NewEncoder().Bytes([]byte(s))
	if err != nil {
		return nil, errors.Wrapf(err, "encode %q", s)
	}
	return b, nil
}

const rowWidth = 32

// Dump renders b as a titled table: offset, hex in 4-byte groups, and the
// EBCDIC text in 16-byte halves.
func Dump(title string, b []byte) string {
	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	t.SetTitle(title)
	t.AppendHeader(table.Row{
		"",
		"0 1 2 3  4 5 6 7  8 9 a b  c d e f  0 1 2 3  4 5 6 7  8 9 a b  c d e f",
		"0123456789abcdef 0123456789abcdef",
	})
	for offset := 0; offset < len(b); offset += rowWidth {
		row := b[offset:min(offset+rowWidth, len(b))]
		var hex strings.Builder
		for i := 0; i < len(row); i += 4 {
			fmt.Fprintf(&hex, "%x ", row[i:min(i+4, len(row))])
		}
		var text strings.Builder
		for i := 0; i < len(row); i += 16 {
			text.WriteString(ToASCII(row[i:min(i+16, len(row))]))
			text.WriteByte(' ')
		}
		t.AppendRow(table.Row{
			fmt.Sprintf("%06x", offset),
			strings.TrimRight(hex.String(), " "),
			strings.TrimRight(text.String(), " "),
		})
	}
	return t.Render()
}
