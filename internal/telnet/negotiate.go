package telnet

import "strings"

// DefaultModel is answered to SB TERMINAL_TYPE when the client names none.
const DefaultModel = "IBM-3278-4-E"

// MaxModelLen is the longest terminal type name RFC 1091 allows.
const MaxModelLen = 40

// ValidModel reports whether model is a terminal type name: 1 to 40
// letters, digits or hyphens.
func ValidModel(model string) bool {
	if model == "" || len(model) > MaxModelLen {
		return false
	}
	for i := 0; i < len(model); i++ {
		c := model[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '-':
		default:
			return false
		}
	}
	return true
}

type rule struct {
	pattern []string
	reply   func(model string) []byte
}

func fixed(tokens ...string) func(string) []byte {
	reply := Encode(tokens...)
	return func(string) []byte { return reply }
}

// Checked in order; the first match wins.
var rules = []rule{
	{
		pattern: []string{"IAC", "DO", "TERMINAL_TYPE"},
		reply:   fixed("IAC", "WILL", "TERMINAL_TYPE"),
	},
	{
		pattern: []string{"IAC", "DO", "EOR"},
		reply:   fixed("IAC", "WILL", "EOR", "IAC", "DO", "EOR"),
	},
	{
		pattern: []string{"IAC", "DO", "BINARY"},
		reply:   fixed("IAC", "WILL", "BINARY", "IAC", "DO", "BINARY"),
	},
	{
		pattern: []string{"IAC", "SB", "TERMINAL_TYPE"},
		// the model goes out as raw ASCII, never as tokens
		reply: func(model string) []byte {
			out := Encode("IAC", "SB", "TERMINAL_TYPE", "0x00")
			out = append(out, model...)
			return append(out, Encode("IAC", "SE")...)
		},
	},
}

// Respond computes the gateway's answer to a host negotiation frame. pattern
// names the rule that matched ("IAC DO EOR"); ok is false when buf is not a
// recognized negotiation request, in which case nothing must be sent.
func Respond(buf []byte, model string) (reply []byte, pattern string, ok bool) {
	if !IsCommand(buf) {
		return nil, "", false
	}
	if !ValidModel(model) {
		model = DefaultModel
	}
	for _, r := range rules {
		if Matches(buf, r.pattern...) {
			return r.reply(model), strings.Join(r.pattern, " "), true
		}
	}
	return nil, "", false
}
