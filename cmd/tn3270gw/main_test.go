package main

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/matst80/tn3270gw/internal/proto"
	"github.com/matst80/tn3270gw/internal/session"
	"github.com/urfave/cli"
)

func runParse(t *testing.T, args ...string) (*Config, error) {
	t.Helper()
	var cfg *Config
	var perr error
	app := cli.NewApp()
	app.Commands = []cli.Command{{
		Name:  "serve",
		Flags: serveFlags(),
		Action: func(c *cli.Context) error {
			cfg, perr = parseConfig(c)
			return nil
		},
	}}
	if err := app.Run(append([]string{"tn3270gw", "serve"}, args...)); err != nil {
		t.Fatalf("run: %v", err)
	}
	return cfg, perr
}

func TestParseConfigDefaults(t *testing.T) {
	cfg, err := runParse(t)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.ListenAddr != ":3000" {
		t.Errorf("listen = %q, want :3000", cfg.ListenAddr)
	}
	if cfg.Model != "IBM-3278-4-E" {
		t.Errorf("model = %q", cfg.Model)
	}
	if cfg.DialTimeout != 10*time.Second {
		t.Errorf("dial timeout = %s", cfg.DialTimeout)
	}
	if cfg.Instance == "" {
		t.Error("instance should default to the hostname")
	}
	if cfg.rateLimited() {
		t.Error("rate limiting should be off by default")
	}
}

func TestParseConfigFlags(t *testing.T) {
	cfg, err := runParse(t, "--listen", ":8080", "--allow", "tk5:3270", "--allow", "*:23", "--client-rate", "2", "--model", "IBM-3279-2-E")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.ListenAddr != ":8080" || cfg.Model != "IBM-3279-2-E" {
		t.Errorf("cfg = %+v", cfg)
	}
	if len(cfg.Allow) != 2 || cfg.Allow[1] != "*:23" {
		t.Errorf("allow = %v", cfg.Allow)
	}
	if !cfg.rateLimited() {
		t.Error("expected rate limiting")
	}
}

func TestParseConfigRejectsNegativeRates(t *testing.T) {
	if _, err := runParse(t, "--rate", "-1"); err == nil {
		t.Error("expected error")
	}
}

func TestParseConfigRejectsBadModel(t *testing.T) {
	if _, err := runParse(t, "--model", "IBM 3278"); err == nil {
		t.Error("expected error")
	}
}

func TestMetricsEndpoints(t *testing.T) {
	reg := session.NewRegistry("gw-test")
	reg.Create("mvs.example", "3270", "10.0.0.1")
	srv := httptest.NewServer(metricsMux(reg))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("readyz before ready = %d", resp.StatusCode)
	}
	reg.SetReady(true)
	if err := healthcheckOnce(strings.TrimPrefix(srv.URL, "http://")); err != nil {
		t.Errorf("healthcheck: %v", err)
	}

	resp, err = http.Get(srv.URL + "/api/state")
	if err != nil {
		t.Fatal(err)
	}
	var st proto.Stats
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()
	if st.Sessions != 1 || st.TotalSessions != 1 || len(st.Records) != 1 {
		t.Fatalf("stats = %+v", st)
	}
	if st.Records[0].Instance != "gw-test" || st.Records[0].Remote != "10.0.0.1" {
		t.Errorf("record = %+v", st.Records[0])
	}

	resp, err = http.Get(srv.URL + "/dashboard")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "mvs.example:3270") {
		t.Errorf("dashboard missing session: %s", body)
	}

	reg.SetClosing(true)
	if err := healthcheckOnce(strings.TrimPrefix(srv.URL, "http://")); err == nil {
		t.Error("healthcheck should fail while closing")
	}
}
