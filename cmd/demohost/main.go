// Command demohost is a tiny 3270 application for exercising the gateway
// without a mainframe: it asks for a name and greets it.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/matst80/tn3270gw/internal/obs"
	"github.com/racingmars/go3270"
)

var (
	listenAddr = flag.String("listen", ":3270", "TN3270 listen address")
	debug      = flag.Bool("debug", false, "enable debug logs")
)

var visitors atomic.Int64

func main() {
	flag.Parse()
	obs.EnableDebug(*debug)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", *listenAddr)
	if err != nil {
		obs.Error("listen", obs.Fields{"err": err.Error(), "addr": *listenAddr})
		os.Exit(1)
	}
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	obs.Info("demohost.ready", obs.Fields{"addr": ln.Addr().String()})
	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			obs.Error("accept", obs.Fields{"err": err.Error()})
			return
		}
		go handle(c)
	}
}

func handle(conn net.Conn) {
	defer conn.Close()
	remote := conn.RemoteAddr().String()
	_ = conn.SetDeadline(time.Now().Add(10 * time.Second))
	dev, err := go3270.NegotiateTelnet(conn)
	if err != nil {
		obs.Error("demohost.negotiate", obs.Fields{"remote": remote, "err": err.Error()})
		return
	}
	_ = conn.SetDeadline(time.Time{})
	obs.Info("demohost.connected", obs.Fields{"remote": remote, "device": fmt.Sprintf("%v", dev)})

	n := visitors.Add(1)
	values := map[string]string{}
	for {
		resp, err := go3270.HandleScreen(
			greeting(n),
			go3270.Rules{"name": {Validator: go3270.NonBlank}},
			values,
			[]go3270.AID{go3270.AIDEnter},
			[]go3270.AID{go3270.AIDPF3},
			"errormsg",
			4, 14,
			conn,
		)
		if err != nil {
			obs.Info("demohost.closed", obs.Fields{"remote": remote, "err": err.Error()})
			return
		}
		if resp.AID == go3270.AIDPF3 {
			obs.Info("demohost.bye", obs.Fields{"remote": remote})
			return
		}
		name := strings.TrimSpace(resp.Values["name"])
		obs.Debug("demohost.enter", obs.Fields{"remote": remote, "name": name})
		values = map[string]string{"name": name, "errormsg": fmt.Sprintf("Hello, %s!", name)}
	}
}

func greeting(visitor int64) go3270.Screen {
	return go3270.Screen{
		{Row: 0, Col: 27, Intense: true, Content: "tn3270gw demo host"},
		{Row: 2, Col: 1, Content: fmt.Sprintf("You are visitor number %d.", visitor)},
		{Row: 4, Col: 1, Content: "Your name"},
		{Row: 4, Col: 13, Name: "name", Write: true, Highlighting: go3270.Underscore},
		{Row: 4, Col: 54}, // field end
		{Row: 6, Col: 1, Name: "errormsg", Intense: true, Color: go3270.Green},
		{Row: 22, Col: 1, Content: "PF3 Exit"},
	}
}
