package main

import (
	"bufio"
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/matst80/tn3270gw/internal/ebcdic"
	"github.com/matst80/tn3270gw/internal/obs"
	"github.com/matst80/tn3270gw/internal/proto"
	"github.com/pkg/errors"
)

func main() {
	flag.Parse()
	obs.SetOutput(os.Stderr)
	obs.EnableDebug(cfg.Debug)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	lines := make(chan string)
	go readStdin(os.Stdin, lines)

	b := &backoff.Backoff{Min: time.Second, Max: cfg.MaxWait, Factor: 2, Jitter: true}
	for {
		started := time.Now()
		err := runOnce(ctx, lines)
		if err != nil {
			obs.Error("cli.session", obs.Fields{"err": err.Error(), "lasted": humanize.RelTime(started, time.Now(), "", "")})
		}
		if !cfg.Reconnect || ctx.Err() != nil {
			if err != nil {
				os.Exit(1)
			}
			return
		}
		if time.Since(started) > cfg.MaxWait {
			b.Reset()
		}
		d := b.Duration()
		obs.Info("cli.reconnect", obs.Fields{"wait": d.String()})
		select {
		case <-ctx.Done():
			return
		case <-time.After(d):
		}
	}
}

func gatewayURL() (string, error) {
	u, err := url.Parse(cfg.Gateway)
	if err != nil {
		return "", errors.Wrap(err, "gateway url")
	}
	q := u.Query()
	q.Set(proto.ParamHost, cfg.Host)
	q.Set(proto.ParamPort, cfg.Port)
	q.Set(proto.ParamModel, cfg.Model)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func runOnce(ctx context.Context, lines <-chan string) error {
	target, err := gatewayURL()
	if err != nil {
		return err
	}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	ws, resp, err := dialer.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return errors.Errorf("gateway refused upgrade: %s %s", resp.Status, strings.TrimSpace(string(body)))
		}
		return errors.Wrap(err, "dial gateway")
	}
	defer ws.Close()
	obs.Info("cli.connected", obs.Fields{"gateway": cfg.Gateway, "host": cfg.Host, "port": cfg.Port, "model": cfg.Model})

	if cfg.SendModel {
		if err := ws.WriteMessage(websocket.TextMessage, []byte(cfg.Model)); err != nil {
			return errors.Wrap(err, "send model")
		}
	}

	done := make(chan error, 1)
	go func() { done <- readRecords(ws, os.Stdout) }()

	for {
		select {
		case <-ctx.Done():
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return nil
		case err := <-done:
			return err
		case line, ok := <-lines:
			if !ok {
				// stdin closed; keep dumping until the gateway closes
				lines = nil
				continue
			}
			data, err := parseInput(line)
			if err != nil {
				fmt.Fprintf(os.Stderr, "? %v\n", err)
				continue
			}
			if len(data) == 0 {
				continue
			}
			if err := ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
				return errors.Wrap(err, "send")
			}
			obs.Debug("cli.sent", obs.Fields{"bytes": len(data)})
		}
	}
}

// readRecords dumps every binary frame until the gateway closes. A normal
// close is not an error.
func readRecords(ws *websocket.Conn, out io.Writer) error {
	n := 0
	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				obs.Info("cli.closed", obs.Fields{"code": ce.Code, "reason": ce.Text})
				if ce.Code == proto.CloseNormal {
					return nil
				}
				return errors.Errorf("closed by gateway: %d %s", ce.Code, ce.Text)
			}
			return errors.Wrap(err, "read")
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		n++
		fmt.Fprintln(out, ebcdic.Dump(fmt.Sprintf("record %d, %s", n, humanize.Bytes(uint64(len(data)))), data))
	}
}

func readStdin(r io.Reader, lines chan<- string) {
	defer close(lines)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		lines <- sc.Text()
	}
}

var aids = map[string]byte{
	"enter": 0x7d, "clear": 0x6d,
	"pa1": 0x6c, "pa2": 0x6e, "pa3": 0x6b,
	"pf1": 0xf1, "pf2": 0xf2, "pf3": 0xf3, "pf4": 0xf4, "pf5": 0xf5, "pf6": 0xf6,
	"pf7": 0xf7, "pf8": 0xf8, "pf9": 0xf9, "pf10": 0x7a, "pf11": 0x7b, "pf12": 0x7c,
}

// parseInput turns one stdin line into bytes for the host:
//
//	enter, clear, pa1..pa3, pf1..pf12   an AID key, cursor at 0,0, IAC EOR appended
//	enter LOGON HERC01                  the AID followed by EBCDIC text
//	x 7d 40 40 ff ef                    raw hex
func parseInput(line string) ([]byte, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, nil
	}
	word, rest, _ := strings.Cut(line, " ")
	word = strings.ToLower(word)
	if word == "x" {
		b, err := hex.DecodeString(strings.Join(strings.Fields(rest), ""))
		if err != nil {
			return nil, errors.Wrap(err, "bad hex")
		}
		return b, nil
	}
	aid, ok := aids[word]
	if !ok {
		return nil, errors.Errorf("unknown key %q", word)
	}
	out := []byte{aid}
	// short read keys carry no cursor address or data
	if word != "clear" && !strings.HasPrefix(word, "pa") {
		out = append(out, 0x40, 0x40)
		if rest != "" {
			text, err := ebcdic.FromASCII(rest)
			if err != nil {
				return nil, err
			}
			out = append(out, text...)
		}
	}
	return append(out, 0xff, 0xef), nil
}
