package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"domestia-go-home/internal/coordinator"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, "controller:\n  host: 192.168.1.50\n"))
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	c := cfg.Controller
	if c.Port != 52000 || c.Timeout != 2500*time.Millisecond || c.ScanInterval != 5*time.Second || c.Hold != 6*time.Second {
		t.Errorf("controller defaults = %+v", c)
	}
	if cfg.VirtualButtons == nil || cfg.VirtualButtons.First != 57 || cfg.VirtualButtons.Last != 104 {
		t.Errorf("virtual buttons = %+v", cfg.VirtualButtons)
	}
	if len(cfg.Types) != 4 || cfg.Types[6] != "light" || cfg.Types[1] != "cover" {
		t.Errorf("types = %v", cfg.Types)
	}
	if cfg.MQTT.TopicPrefix != "domestia" || cfg.Store.Path != "domestia-home.db" || cfg.Web.Listen != "127.0.0.1:8080" {
		t.Errorf("defaults = %+v", cfg)
	}

	p, err := cfg.policy()
	if err != nil {
		t.Fatal(err)
	}
	if got := len(p.VirtualButtons()); got != 48 {
		t.Errorf("virtual buttons = %d, want 48", got)
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, `
controller:
  host: ctrl.lan
  port: 52001
  timeout: 1s
  hold: 3s
types:
  0: switch
  6: light
virtual_buttons: {first: 0, last: 0}
log: {level: debug, format: json}
`))
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.validate(); err != nil {
		t.Fatal(err)
	}
	if cfg.Controller.Timeout != time.Second || cfg.Controller.Hold != 3*time.Second || cfg.Controller.Port != 52001 {
		t.Errorf("controller = %+v", cfg.Controller)
	}
	p, _ := cfg.policy()
	if len(p.VirtualButtons()) != 0 {
		t.Error("zero range should disable virtual buttons")
	}
	if _, ok := p.KindOf(1); ok {
		t.Error("type 1 should not be mapped")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"missing host", "controller: {port: 52000}", "controller.host"},
		{"bad port", "controller: {host: a, port: 70000}", "controller.port"},
		{"negative hold", "controller: {host: a, hold: -1s}", "controller.hold"},
		{"unknown kind", "controller: {host: a}\ntypes: {0: fan}", "unknown output kind"},
		{"button kind", "controller: {host: a}\ntypes: {0: button}", "reserved"},
		{"bad button range", "controller: {host: a}\nvirtual_buttons: {first: 100, last: 200}", "virtual button range"},
		{"mqtt without broker", "controller: {host: a}\nmqtt: {enabled: true, broker: \"\"}", ""},
		{"history without bucket", "controller: {host: a}\nhistory: {enabled: true, url: http://influx:8086}", "history.url"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := loadConfig(writeConfig(t, tt.yaml))
			if err != nil {
				t.Fatal(err)
			}
			err = cfg.validate()
			if tt.want == "" {
				// An empty broker is replaced by the default before validation.
				if err != nil {
					t.Errorf("validate = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("validate = %v, want error containing %q", err, tt.want)
			}
		})
	}
}

func TestLoadConfigErrors(t *testing.T) {
	if _, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("missing file should fail")
	}
	if _, err := loadConfig(writeConfig(t, "controller: [")); err == nil {
		t.Error("malformed yaml should fail")
	}
}

func TestDescribeState(t *testing.T) {
	tests := []struct {
		kind  string
		value int
		want  string
	}{
		{"switch", 1, "on=true"},
		{"light", 32, "on=true brightness=127"},
		{"cover", 140, "position=12 moving=true"},
		{"", 5, "-"},
	}
	for _, tt := range tests {
		if got := describeState(coordinator.Kind(tt.kind), tt.value); got != tt.want {
			t.Errorf("describeState(%q, %d) = %q, want %q", tt.kind, tt.value, got, tt.want)
		}
	}
}

func TestParseOutputID(t *testing.T) {
	for _, s := range []string{"0", "193", "x", "-1"} {
		if _, err := parseOutputID(s); err == nil {
			t.Errorf("parseOutputID(%q) should fail", s)
		}
	}
	if id, err := parseOutputID("192"); err != nil || id != 192 {
		t.Errorf("parseOutputID(192) = %d, %v", id, err)
	}
}
