package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path"
	"sync"
	"syscall"
	"time"

	"github.com/matst80/tn3270gw/internal/bridge"
	"github.com/matst80/tn3270gw/internal/gateway"
	"github.com/matst80/tn3270gw/internal/obs"
	"github.com/matst80/tn3270gw/internal/ratelimit"
	"github.com/matst80/tn3270gw/internal/session"
	"github.com/matst80/tn3270gw/internal/static"
	"github.com/matst80/tn3270gw/internal/target"
	"github.com/pkg/errors"
	"github.com/urfave/cli"
)

var (
	// GitTag is set by the build
	GitTag = "n/a"
	// GitSha is set by the build
	GitSha = "n/a"
)

func main() {
	app := cli.NewApp()
	app.Name = path.Base(os.Args[0])
	app.Usage = "WebSocket to TN3270 gateway"
	app.Version = GitTag + " (" + GitSha + ")"
	app.Commands = []cli.Command{
		{
			Name:  "serve",
			Usage: "Start the gateway",
			Flags: serveFlags(),
			Action: func(c *cli.Context) error {
				cfg, err := parseConfig(c)
				if err != nil {
					return err
				}
				return serve(cfg)
			},
		}, {
			Name:  "healthcheck",
			Usage: "Check that a gateway is ready (for container HEALTHCHECK)",
			Action: func(c *cli.Context) error {
				return healthcheck(c.String("addr"), c.Bool("wait"), c.Bool("quiet"))
			},
			Flags: []cli.Flag{
				cli.StringFlag{Name: "addr, a", Value: "localhost:9100", Usage: "gateway metrics address"},
				cli.BoolFlag{Name: "wait, w", Usage: "loop until the gateway is ready"},
				cli.BoolFlag{Name: "quiet, q", Usage: "do not print errors"},
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		obs.Error("tn3270gw.exit", obs.Fields{"err": err.Error()})
		os.Exit(1)
	}
}

func serve(cfg *Config) error {
	obs.EnableDebug(cfg.Debug)
	obs.Info("server.start", obs.Fields{"listen": cfg.ListenAddr, "metrics": cfg.MetricsAddr, "root": cfg.StaticRoot, "instance": cfg.Instance})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := session.NewRegistry(cfg.Instance)
	var bg sync.WaitGroup

	if cfg.RedisAddr != "" {
		mirror, err := session.NewRedisMirror(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.Instance, 5)
		if err != nil {
			return err
		}
		defer mirror.Close()
		registry.SetMirror(mirror)
		bg.Add(1)
		go func() { defer bg.Done(); mirror.StartMaintenance(ctx, registry.Records) }()
		obs.Info("redis.mirror", obs.Fields{"addr": cfg.RedisAddr})
	}

	dialer, err := bridge.NewDialer(cfg.SocksProxy, cfg.DialTimeout)
	if err != nil {
		return err
	}
	allow, err := target.NewAllowlist(cfg.Allow)
	if err != nil {
		return err
	}
	var limiter *ratelimit.UpgradeLimiter
	if cfg.rateLimited() {
		limiter = ratelimit.NewUpgradeLimiter(cfg.GlobalRate, cfg.ClientRate, cfg.Burst)
		bg.Add(1)
		go func() { defer bg.Done(); runSweepLoop(ctx, limiter, time.Minute, 10*time.Minute) }()
	}

	var files http.Handler
	if st, err := static.New(cfg.StaticRoot); err != nil {
		obs.Warn("static.disabled", obs.Fields{"root": cfg.StaticRoot, "err": err.Error()})
	} else {
		files = st
		bg.Add(1)
		go func() {
			defer bg.Done()
			if err := st.Watch(ctx); err != nil {
				obs.Error("static.watch", obs.Fields{"err": err.Error()})
			}
		}()
	}

	br := bridge.New(registry, bridge.Options{Dialer: dialer, DialTimeout: cfg.DialTimeout, Dump: cfg.Dump})
	gw := gateway.New(registry, br, gateway.Options{
		Static:       files,
		DefaultModel: cfg.Model,
		Allowlist:    allow,
		Limiter:      limiter,
		CheckOrigin:  cfg.CheckOrigin,
		PingInterval: cfg.PingInterval,
		TrustProxy:   cfg.TrustProxy,
		Debug:        cfg.Debug,
	})

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return errors.Wrapf(err, "listen %s", cfg.ListenAddr)
	}
	srv := &http.Server{Handler: gw.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			obs.Error("server.serve", obs.Fields{"err": err.Error()})
			stop()
		}
	}()

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		metricsSrv = startMetricsServer(cfg.MetricsAddr, registry)
	}

	registry.SetReady(true)
	obs.Info("server.ready", obs.Fields{"addr": ln.Addr().String()})

	<-ctx.Done()
	obs.Info("server.shutdown.signal", obs.Fields{})
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := gw.Shutdown(shutdownCtx, srv); err != nil {
		obs.Error("server.shutdown", obs.Fields{"err": err.Error()})
	}
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	bg.Wait()
	obs.Info("server.shutdown.complete", obs.Fields{})
	return nil
}

func runSweepLoop(ctx context.Context, l *ratelimit.UpgradeLimiter, interval, maxIdle time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := l.Sweep(maxIdle); n > 0 {
				obs.Debug("ratelimit.sweep", obs.Fields{"dropped": n})
			}
		}
	}
}

// healthcheck probes /readyz without needing a browser or a 3270 host.
func healthcheck(addr string, wait, quiet bool) error {
	if wait {
		for {
			if err := healthcheckOnce(addr); err != nil {
				if !quiet {
					fmt.Fprintf(os.Stderr, "error: %v\n", err)
				}
				time.Sleep(time.Second)
				continue
			}
			return nil
		}
	}
	if err := healthcheckOnce(addr); err != nil {
		if quiet {
			return cli.NewExitError("", 1)
		}
		return err
	}
	return nil
}

func healthcheckOnce(addr string) error {
	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get("http://" + addr + "/readyz")
	if err != nil {
		return errors.Wrap(err, "healthcheck")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("not ready: %s", resp.Status)
	}
	return nil
}
