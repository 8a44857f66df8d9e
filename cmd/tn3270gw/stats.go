package main

import (
	"context"
	"time"

	"github.com/matst80/tn3270gw/internal/proto"
	"github.com/matst80/tn3270gw/internal/session"
)

func collectStats(ctx context.Context, r *session.Registry) proto.Stats {
	live, total, failures := r.Stats()
	return proto.Stats{
		Sessions:      live,
		TotalSessions: total,
		Failures:      failures,
		Now:           time.Now().UTC().Format(time.RFC3339),
		Records:       r.AllRecords(ctx),
	}
}

// toTemplateMap returns a map suited for html/template rendering with expected capitalized keys.
func toTemplateMap(s proto.Stats) map[string]any {
	return map[string]any{
		"Sessions": s.Sessions,
		"Total":    s.TotalSessions,
		"Failures": s.Failures,
		"Records":  s.Records,
	}
}
