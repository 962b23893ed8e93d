package site

import (
	"os"
	"path/filepath"
	"testing"
)

func TestMarkerLifecycle(t *testing.T) {
	dir := t.TempDir()
	s := MirrorSite{ID: "debian", Plugin: "exec", DataDir: filepath.Join(dir, "debian") + "/", Schedule: "@hourly"}

	if got, want := s.MarkerPath(), filepath.Join(dir, "debian.uninitialized"); got != want {
		t.Fatalf("marker path = %s, want %s", got, want)
	}
	if un, err := s.IsUninitialized(); err != nil || un {
		t.Fatalf("fresh dir should not be uninitialized: %v %v", un, err)
	}
	if err := s.CreateMarker(); err != nil {
		t.Fatalf("create: %v", err)
	}
	if un, _ := s.IsUninitialized(); !un {
		t.Fatalf("marker should be detected")
	}
	if err := s.ClearMarker(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if err := s.ClearMarker(); err != nil {
		t.Fatalf("clearing twice should be fine: %v", err)
	}
	if un, _ := s.IsUninitialized(); un {
		t.Fatalf("marker should be gone")
	}
}

func TestPrepareNewSite(t *testing.T) {
	dir := t.TempDir()
	s := MirrorSite{ID: "arch", Plugin: "exec", DataDir: filepath.Join(dir, "arch"), Schedule: "@daily"}
	if err := s.Prepare(); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if fi, err := os.Stat(s.DataDir); err != nil || !fi.IsDir() {
		t.Fatalf("data dir not created: %v", err)
	}
	if un, _ := s.IsUninitialized(); !un {
		t.Fatalf("new site should be marked uninitialized")
	}

	// existing data dir is left alone
	if err := s.ClearMarker(); err != nil {
		t.Fatal(err)
	}
	if err := s.Prepare(); err != nil {
		t.Fatal(err)
	}
	if un, _ := s.IsUninitialized(); un {
		t.Fatalf("prepare must not re-mark an existing site")
	}
}

func TestValidate(t *testing.T) {
	good := MirrorSite{ID: "debian", Plugin: "exec", DataDir: "/srv/debian", Schedule: "0 */6 * * *"}
	if err := good.Validate(); err != nil {
		t.Fatalf("valid site rejected: %v", err)
	}
	cases := map[string]MirrorSite{
		"no id":       {Plugin: "exec", DataDir: "/srv/x", Schedule: "@daily"},
		"bad id":      {ID: "../x", Plugin: "exec", DataDir: "/srv/x", Schedule: "@daily"},
		"no plugin":   {ID: "x", DataDir: "/srv/x", Schedule: "@daily"},
		"relative":    {ID: "x", Plugin: "exec", DataDir: "srv/x", Schedule: "@daily"},
		"bad cron":    {ID: "x", Plugin: "exec", DataDir: "/srv/x", Schedule: "every day"},
		"bad tz":      {ID: "x", Plugin: "exec", DataDir: "/srv/x", Schedule: "@daily", TimeZone: "Mars/Olympus"},
		"no schedule": {ID: "x", Plugin: "exec", DataDir: "/srv/x"},
	}
	for name, s := range cases {
		if err := s.Validate(); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestCronExprCarriesTimeZone(t *testing.T) {
	s := MirrorSite{Schedule: "0 0 * * *", TimeZone: "Europe/Berlin"}
	if got := s.CronExpr(); got != "CRON_TZ=Europe/Berlin 0 0 * * *" {
		t.Fatalf("unexpected expr %q", got)
	}
	s.TimeZone = ""
	if got := s.CronExpr(); got != "0 0 * * *" {
		t.Fatalf("unexpected expr %q", got)
	}
}
