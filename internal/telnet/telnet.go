package telnet

import (
	"fmt"
	"strconv"
	"strings"
)

// Telnet command and option bytes used by TN3270 (RFC 854, 1576, 1647).
const (
	BINARY        byte = 0
	TERMINAL_TYPE byte = 24
	EOR           byte = 25
	SE            byte = 240
	SB            byte = 250
	WILL          byte = 251
	WONT          byte = 252
	DO            byte = 253
	DONT          byte = 254
	IAC           byte = 255
)

var symbols = map[string]byte{
	"BINARY":        BINARY,
	"TERMINAL_TYPE": TERMINAL_TYPE,
	"EOR":           EOR,
	"SE":            SE,
	"SB":            SB,
	"WILL":          WILL,
	"WONT":          WONT,
	"DO":            DO,
	"DONT":          DONT,
	"IAC":           IAC,
}

var names = func() map[byte]string {
	m := make(map[byte]string, len(symbols))
	for k, v := range symbols {
		m[v] = k
	}
	return m
}()

// Symbol returns the byte for a symbolic token name.
func Symbol(name string) (byte, bool) {
	b, ok := symbols[name]
	return b, ok
}

// parseHex accepts tokens of the form 0xHH.
func parseHex(tok string) (byte, bool) {
	if len(tok) < 3 || !strings.HasPrefix(strings.ToLower(tok), "0x") {
		return 0, false
	}
	v, err := strconv.ParseUint(tok[2:], 16, 8)
	if err != nil {
		return 0, false
	}
	return byte(v), true
}

// tokenByte resolves a pattern token: symbol, hex literal or decimal literal.
func tokenByte(tok string) (byte, bool) {
	if b, ok := symbols[tok]; ok {
		return b, true
	}
	if b, ok := parseHex(tok); ok {
		return b, true
	}
	v, err := strconv.ParseUint(tok, 10, 8)
	if err != nil {
		return 0, false
	}
	return byte(v), true
}

// Matches reports whether buf starts with the bytes named by pattern.
func Matches(buf []byte, pattern ...string) bool {
	if len(buf) < len(pattern) {
		return false
	}
	for i, tok := range pattern {
		b, ok := tokenByte(tok)
		if !ok || buf[i] != b {
			return false
		}
	}
	return true
}

// Decode maps every byte to its symbol name, or to a 0xhh token.
func Decode(buf []byte) []string {
	out := make([]string, len(buf))
	for i, b := range buf {
		if name, ok := names[b]; ok {
			out[i] = name
			continue
		}
		out[i] = fmt.Sprintf("0x%02x", b)
	}
	return out
}

// Encode is the inverse of Decode. Tokens that are neither symbols nor hex
// literals are expanded to their bytes, so a terminal model name can be
// embedded in a subnegotiation.
func Encode(tokens ...string) []byte {
	out := make([]byte, 0, len(tokens))
	for _, tok := range tokens {
		if b, ok := symbols[tok]; ok {
			out = append(out, b)
			continue
		}
		if b, ok := parseHex(tok); ok {
			out = append(out, b)
			continue
		}
		out = append(out, tok...)
	}
	return out
}

// IsCommand reports whether buf is a negotiation frame.
func IsCommand(buf []byte) bool {
	return len(buf) > 0 && buf[0] == IAC
}
