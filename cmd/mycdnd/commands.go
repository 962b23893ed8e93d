package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/fpemud/mycdn-controller-sub000/internal/config"
	"github.com/fpemud/mycdn-controller-sub000/internal/daemon"
	"github.com/fpemud/mycdn-controller-sub000/internal/logger"
	"github.com/fpemud/mycdn-controller-sub000/internal/plugin"
)

type command struct {
	out io.Writer
}

func (c command) Serve(ctx context.Context, f ServeFlags) error {
	cfg, err := config.Load(f.ConfigPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	if f.Daemonize {
		return daemonize(f.PidFile, f.LogFile)
	}
	if f.PidFile != "" {
		if err := writePidFile(f.PidFile, os.Getpid()); err != nil {
			return fmt.Errorf("failed to write PID file: %w", err)
		}
		defer func() { _ = removePidFile(f.PidFile) }()
	}

	log, closer, err := logger.New(cfg.Log, os.Stderr)
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()
	slog.SetDefault(log)

	ctrl, err := daemon.New(cfg, daemon.Options{Logger: log})
	if err != nil {
		return err
	}
	return ctrl.Run(ctx)
}

// Check validates the config and reports plugin programs that cannot be run.
func (c command) Check(path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	reg, err := cfg.Registry()
	if err != nil {
		return err
	}
	problems := 0
	for _, s := range cfg.Sites {
		exe, err := reg.Resolve(s)
		if err != nil {
			return err
		}
		for _, perr := range plugin.Check(exe) {
			problems++
			_, _ = fmt.Fprintf(c.out, "site %s: %v\n", s.ID, perr)
		}
	}
	if problems > 0 {
		return fmt.Errorf("%d plugin program(s) not usable", problems)
	}
	_, _ = fmt.Fprintf(c.out, "%s: ok, %d site(s)\n", path, len(cfg.Sites))
	return nil
}

type pluginInfo struct {
	Name  string   `json:"name"`
	Sites []string `json:"sites"`
}

func (c command) Plugins(path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	reg, err := cfg.Registry()
	if err != nil {
		return err
	}
	var out []pluginInfo
	for _, name := range reg.Names() {
		info := pluginInfo{Name: name, Sites: []string{}}
		for _, s := range cfg.Sites {
			if s.Plugin == name {
				info.Sites = append(info.Sites, s.ID)
			}
		}
		out = append(out, info)
	}
	return c.printJSON(out)
}

func (c command) Status(f StatusFlags) error {
	api := NewAPIClient(f.APIUrl, f.APITimeout)
	if f.Site != "" {
		st, err := api.Site(f.Site)
		if err != nil {
			return err
		}
		return c.printJSON(st)
	}
	sts, err := api.Sites()
	if err != nil {
		return err
	}
	return c.printJSON(sts)
}

func (c command) History(f HistoryFlags) error {
	api := NewAPIClient(f.APIUrl, f.APITimeout)
	events, err := api.History(f.Site, f.Limit)
	if err != nil {
		return err
	}
	return c.printJSON(events)
}

func (c command) printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(c.out, string(b))
	return err
}
