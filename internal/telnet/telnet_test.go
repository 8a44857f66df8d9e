package telnet

import (
	"bytes"
	"reflect"
	"strings"
	"testing"
)

func TestMatches(t *testing.T) {
	buf := []byte{0xff, 0xfd, 0x18}
	if !Matches(buf, "IAC", "DO", "TERMINAL_TYPE") {
		t.Error("expected IAC DO TERMINAL_TYPE to match")
	}
	if !Matches(buf, "IAC", "0xfd") {
		t.Error("expected hex literal to match")
	}
	if !Matches(buf, "255", "253", "24") {
		t.Error("expected decimal literals to match")
	}
	if Matches(buf, "IAC", "WILL") {
		t.Error("expected IAC WILL not to match")
	}
	if Matches(buf, "IAC", "DO", "TERMINAL_TYPE", "SE") {
		t.Error("pattern longer than buffer must not match")
	}
	if Matches(buf, "IAC", "BOGUS") {
		t.Error("unknown token must not match")
	}
}

func TestDecode(t *testing.T) {
	got := Decode([]byte{0xff, 0xfa, 0x18, 0x01, 0x41, 0xff, 0xf0})
	want := []string{"IAC", "SB", "TERMINAL_TYPE", "0x01", "0x41", "IAC", "SE"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Decode = %v, want %v", got, want)
	}
}

func TestEncodeExpandsStrings(t *testing.T) {
	got := Encode("IAC", "SB", "TERMINAL_TYPE", "0x00", "IBM-3278-2", "IAC", "SE")
	want := append([]byte{0xff, 0xfa, 0x18, 0x00}, []byte("IBM-3278-2")...)
	want = append(want, 0xff, 0xf0)
	if !bytes.Equal(got, want) {
		t.Errorf("Encode = % x, want % x", got, want)
	}
}

func TestRoundTripSymbols(t *testing.T) {
	tokens := []string{"IAC", "DO", "EOR", "IAC", "WILL", "BINARY", "IAC", "SB", "TERMINAL_TYPE", "IAC", "SE", "WONT", "DONT"}
	if got := Decode(Encode(tokens...)); !reflect.DeepEqual(got, tokens) {
		t.Errorf("Decode(Encode(tokens)) = %v, want %v", got, tokens)
	}
}

func TestRoundTripBytes(t *testing.T) {
	all := make([]byte, 256)
	for i := range all {
		all[i] = byte(i)
	}
	if got := Encode(Decode(all)...); !bytes.Equal(got, all) {
		t.Errorf("Encode(Decode(b)) differs from b")
	}
}

func TestRespond(t *testing.T) {
	cases := []struct {
		name    string
		in      []byte
		want    []byte
		pattern string
	}{
		{"terminal type", []byte{0xff, 0xfd, 0x18}, []byte{0xff, 0xfb, 0x18}, "IAC DO TERMINAL_TYPE"},
		{"eor", []byte{0xff, 0xfd, 0x19, 0xff, 0xfb, 0x19}, []byte{0xff, 0xfb, 0x19, 0xff, 0xfd, 0x19}, "IAC DO EOR"},
		{"binary", []byte{0xff, 0xfd, 0x00, 0xff, 0xfb, 0x00}, []byte{0xff, 0xfb, 0x00, 0xff, 0xfd, 0x00}, "IAC DO BINARY"},
	}
	for _, c := range cases {
		got, pattern, ok := Respond(c.in, "IBM-3278-4-E")
		if !ok {
			t.Errorf("%s: expected a reply", c.name)
			continue
		}
		if !bytes.Equal(got, c.want) {
			t.Errorf("%s: reply = % x, want % x", c.name, got, c.want)
		}
		if pattern != c.pattern {
			t.Errorf("%s: pattern = %q, want %q", c.name, pattern, c.pattern)
		}
	}
}

func TestRespondTerminalTypeSubnegotiation(t *testing.T) {
	got, _, ok := Respond([]byte{0xff, 0xfa, 0x18, 0x01, 0xff, 0xf0}, "IBM-3278-4-E")
	if !ok {
		t.Fatal("expected a reply to SB TERMINAL_TYPE")
	}
	want := []byte{0xff, 0xfa, 0x18, 0x00}
	want = append(want, "IBM-3278-4-E"...)
	want = append(want, 0xff, 0xf0)
	if !bytes.Equal(got, want) {
		t.Errorf("reply = % x, want % x", got, want)
	}
}

func TestRespondDefaultModel(t *testing.T) {
	got, _, _ := Respond([]byte{0xff, 0xfa, 0x18}, "")
	if !bytes.Contains(got, []byte(DefaultModel)) {
		t.Errorf("expected default model in % x", got)
	}
}

func TestRespondSendsModelAsText(t *testing.T) {
	sb := []byte{0xff, 0xfa, 0x18, 0x01, 0xff, 0xf0}
	for _, model := range []string{"IAC", "0x41", "IBM 3278", "", strings.Repeat("A", MaxModelLen+1)} {
		got, _, ok := Respond(sb, model)
		if !ok {
			t.Fatalf("%q: expected a reply", model)
		}
		want := append([]byte{0xff, 0xfa, 0x18, 0x00}, DefaultModel...)
		want = append(want, 0xff, 0xf0)
		if !bytes.Equal(got, want) {
			t.Errorf("model %q: reply = % x, want % x", model, got, want)
		}
	}
}

func TestValidModel(t *testing.T) {
	for _, m := range []string{"IBM-3278-2", "IBM-3279-5-E", "DYNAMIC", strings.Repeat("A", MaxModelLen)} {
		if !ValidModel(m) {
			t.Errorf("ValidModel(%q) = false", m)
		}
	}
	for _, m := range []string{"", "IBM 3278", "IBM_3278", "IBM-3278\xff", "é", strings.Repeat("A", MaxModelLen+1)} {
		if ValidModel(m) {
			t.Errorf("ValidModel(%q) = true", m)
		}
	}
}

func TestRespondUnrecognized(t *testing.T) {
	if reply, _, ok := Respond([]byte{0xff, 0xfd, 0x01}, "IBM-3278-4-E"); ok || reply != nil {
		t.Errorf("expected no reply for IAC DO ECHO, got % x", reply)
	}
}

func TestRespondIgnoresData(t *testing.T) {
	for _, buf := range [][]byte{{0xf5, 0xc3, 0x11}, {0x00, 0xff}, {}} {
		if IsCommand(buf) {
			t.Errorf("% x must not be treated as a command", buf)
		}
		if reply, _, ok := Respond(buf, ""); ok || reply != nil {
			t.Errorf("% x: unexpected reply % x", buf, reply)
		}
	}
}
