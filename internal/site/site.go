// Package site describes a mirror site and its on-disk initialization marker.
package site

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fpemud/mycdn-controller-sub000/internal/cron"
)

// MarkerSuffix is appended to a site's data directory path to name the file
// whose presence means the site has never been initialized successfully.
const MarkerSuffix = ".uninitialized"

type MirrorSite struct {
	ID       string `json:"id" mapstructure:"id"`
	Plugin   string `json:"plugin" mapstructure:"plugin"`
	DataDir  string `json:"data_dir" mapstructure:"data_dir"`
	Schedule string `json:"schedule" mapstructure:"schedule"`
	TimeZone string `json:"time_zone,omitempty" mapstructure:"time_zone"`
	// Env entries ("K=V") added to the plugin environment of this site.
	Env []string `json:"env,omitempty" mapstructure:"env"`
	// Executable paths used by the exec plugin.
	Initializer string `json:"initializer,omitempty" mapstructure:"initializer"`
	Updater     string `json:"updater,omitempty" mapstructure:"updater"`
}

// ValidID checks that id can name files and URL path segments.
func ValidID(id string) error {
	if id == "" {
		return errors.New("site id is required")
	}
	if strings.ContainsAny(id, "/\\ ") || strings.Contains(id, "..") {
		return fmt.Errorf("site %q: id must not contain path separators, spaces or ..", id)
	}
	return nil
}

// Validate checks the fields every site needs regardless of its plugin.
func (s MirrorSite) Validate() error {
	if err := ValidID(s.ID); err != nil {
		return err
	}
	if s.Plugin == "" {
		return fmt.Errorf("site %q: plugin is required", s.ID)
	}
	if s.DataDir == "" || !filepath.IsAbs(s.DataDir) {
		return fmt.Errorf("site %q: data_dir must be an absolute path", s.ID)
	}
	if s.TimeZone != "" {
		if _, err := time.LoadLocation(s.TimeZone); err != nil {
			return fmt.Errorf("site %q: time_zone: %w", s.ID, err)
		}
	}
	if _, err := cron.Parse(s.CronExpr()); err != nil {
		return fmt.Errorf("site %q: schedule: %w", s.ID, err)
	}
	return nil
}

// CronExpr is the schedule as understood by the scheduler, including the
// site's time zone.
func (s MirrorSite) CronExpr() string {
	return cron.WithTimeZone(s.Schedule, s.TimeZone)
}

// MarkerPath is "<data dir>.uninitialized", a sibling of the data directory.
func (s MirrorSite) MarkerPath() string {
	return filepath.Clean(s.DataDir) + MarkerSuffix
}

// IsUninitialized reports whether the marker file exists.
func (s MirrorSite) IsUninitialized() (bool, error) {
	_, err := os.Stat(s.MarkerPath())
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("stat marker: %w", err)
}

// ClearMarker removes the marker. A missing marker is not an error.
func (s MirrorSite) ClearMarker() error {
	if err := os.Remove(s.MarkerPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove marker: %w", err)
	}
	return nil
}

func (s MirrorSite) CreateMarker() error {
	f, err := os.OpenFile(s.MarkerPath(), os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create marker: %w", err)
	}
	return f.Close()
}

// Prepare creates a missing data directory together with its marker so that
// a brand-new site goes through initialization first.
func (s MirrorSite) Prepare() error {
	_, err := os.Stat(s.DataDir)
	if err == nil {
		return nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat data dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(filepath.Clean(s.DataDir)), 0o755); err != nil {
		return fmt.Errorf("create parent dir: %w", err)
	}
	if err := s.CreateMarker(); err != nil {
		return err
	}
	if err := os.MkdirAll(s.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	return nil
}
