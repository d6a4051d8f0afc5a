package main

import (
	"testing"
	"time"

	"github.com/fentz26/courier/internal/config"
	"github.com/fentz26/courier/internal/models"
)

func TestRoutingRules(t *testing.T) {
	rules := routingRules([]config.RoutingRule{
		{Prefix: "/high-priority", Lane: models.LanePriority, Priority: 1},
		{Prefix: "/bulk", Lane: models.LaneNormal},
	})
	if len(rules) != 2 {
		t.Fatalf("expected 2 rules, got %d", len(rules))
	}
	if rules[0].Prefix != "/high-priority" || rules[0].Lane != models.LanePriority || rules[0].Priority != 1 {
		t.Errorf("unexpected first rule %+v", rules[0])
	}
}

func TestNewSpawner(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Workers.SimulatedLatency = 5 * time.Millisecond

	sp, err := newSpawner(cfg)
	if err != nil {
		t.Fatalf("newSpawner: %v", err)
	}
	if sp.Name() != "inproc" {
		t.Errorf("default spawner = %q, want inproc", sp.Name())
	}

	cfg.Workers.Mode = config.ModeProcess
	sp, err = newSpawner(cfg)
	if err != nil {
		t.Fatalf("newSpawner: %v", err)
	}
	if sp.Name() != "localexec" {
		t.Errorf("process spawner = %q, want localexec", sp.Name())
	}
}

func TestSubmitTarget(t *testing.T) {
	defer func() { submitHigh, submitPath, submitPriority = false, "", -1 }()

	tests := []struct {
		high     bool
		path     string
		priority int
		want     string
		wantErr  bool
	}{
		{want: "/work", priority: -1},
		{high: true, priority: -1, want: "/high-priority"},
		{path: "/high-priority/reports", priority: -1, want: "/high-priority/reports"},
		{path: "reports", priority: -1, wantErr: true},
		{high: true, priority: 2, want: "/request"},
	}
	for _, tt := range tests {
		submitHigh, submitPath, submitPriority = tt.high, tt.path, tt.priority
		got, err := submitTarget()
		if (err != nil) != tt.wantErr {
			t.Errorf("submitTarget(%+v) err = %v", tt, err)
			continue
		}
		if got != tt.want {
			t.Errorf("submitTarget(%+v) = %q, want %q", tt, got, tt.want)
		}
	}
}
