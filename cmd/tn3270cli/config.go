package main

import (
	"flag"
	"time"
)

// Config holds client runtime configuration.
type Config struct {
	Gateway   string
	Host      string
	Port      string
	Model     string
	SendModel bool // also announce Model in a text frame
	Reconnect bool
	MaxWait   time.Duration
	Debug     bool
}

var cfg Config

// init registers all client flags into the default flag set.
func init() {
	flag.StringVar(&cfg.Gateway, "gateway", "ws://127.0.0.1:3000/", "gateway WebSocket URL")
	flag.StringVar(&cfg.Host, "host", "127.0.0.1", "3270 host the gateway should dial")
	flag.StringVar(&cfg.Port, "port", "3270", "3270 host port")
	flag.StringVar(&cfg.Model, "model", "IBM-3278-2-E", "terminal model")
	flag.BoolVar(&cfg.SendModel, "send-model", true, "announce the model in a text frame after connecting")
	flag.BoolVar(&cfg.Reconnect, "reconnect", false, "reconnect with backoff when the session ends")
	flag.DurationVar(&cfg.MaxWait, "max-wait", 30*time.Second, "longest pause between reconnects")
	flag.BoolVar(&cfg.Debug, "debug", false, "enable debug logs")
}
