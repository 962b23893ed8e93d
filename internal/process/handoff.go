package process

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"time"
)

// ScheduleLayout formats the scheduled time handed to updaters.
const ScheduleLayout = "2006-01-02 15:04"

// Handoff is the context a plugin reads from stdin right after it starts:
// tmp dir, data dir, log dir, country, location and, for updaters only, the
// nominal schedule time.
type Handoff struct {
	TmpDir    string
	DataDir   string
	LogDir    string
	Country   string
	Location  string
	Scheduled time.Time // zero for initializers
}

func (h Handoff) Lines() []string {
	lines := []string{h.TmpDir, h.DataDir, h.LogDir, h.Country, h.Location}
	if !h.Scheduled.IsZero() {
		lines = append(lines, h.Scheduled.Format(ScheduleLayout))
	}
	return lines
}

// ParseHandoff reads the handoff lines from r until EOF.
func ParseHandoff(r io.Reader) (Handoff, error) {
	var lines []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		lines = append(lines, strings.TrimRight(sc.Text(), "\r"))
	}
	if err := sc.Err(); err != nil {
		return Handoff{}, fmt.Errorf("read handoff: %w", err)
	}
	if len(lines) < 5 {
		return Handoff{}, fmt.Errorf("handoff has %d lines, want at least 5", len(lines))
	}
	h := Handoff{
		TmpDir:   lines[0],
		DataDir:  lines[1],
		LogDir:   lines[2],
		Country:  lines[3],
		Location: lines[4],
	}
	if len(lines) > 5 && lines[5] != "" {
		t, err := time.ParseInLocation(ScheduleLayout, lines[5], time.Local)
		if err != nil {
			return Handoff{}, fmt.Errorf("handoff schedule time: %w", err)
		}
		h.Scheduled = t
	}
	return h, nil
}

func writeHandoff(w io.WriteCloser, lines []string) error {
	var b strings.Builder
	for _, l := range lines {
		b.WriteString(l)
		b.WriteByte('\n')
	}
	_, err := io.WriteString(w, b.String())
	if cerr := w.Close(); err == nil {
		err = cerr
	}
	return err
}
