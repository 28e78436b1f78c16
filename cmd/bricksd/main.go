// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Command bricksd runs the filter table, datapath workers and control-plane
// listener.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"grimm.is/bricks/internal/config"
	"grimm.is/bricks/internal/daemon"
	"grimm.is/bricks/internal/logging"
)

func main() {
	configPath := flag.String("config", "", "Path to HCL config file")
	rulesPath := flag.String("rules", "", "YAML rules file to preload (overrides rules_file)")
	listen := flag.String("listen", "", "Control-plane listen address (overrides control.listen)")
	dumpConfig := flag.Bool("dump-config", false, "Print the effective configuration as HCL, secrets masked, and exit")
	check := flag.Bool("check", false, "Validate the configuration and rules, then exit")
	flag.Parse()

	cfg := config.DefaultConfig()
	if *configPath != "" {
		var err error
		cfg, err = config.LoadFile(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "bricksd: %v\n", err)
			os.Exit(1)
		}
	}
	if *listen != "" {
		cfg.Control.Listen = *listen
	}
	if *rulesPath != "" {
		cfg.RulesFile = *rulesPath
	}

	if *dumpConfig {
		os.Stdout.Write(config.GenerateHCL(cfg.Redacted()))
		return
	}

	logger := newLogger(cfg.Logging)
	logging.SetDefault(logger)

	for _, w := range cfg.Validate() {
		logger.Warn("config", "field", w.Field, "message", w.Message, "severity", w.Severity)
	}

	var specs []config.RuleSpec
	if cfg.RulesFile != "" {
		var err error
		specs, err = config.LoadRules(cfg.RulesFile)
		if err != nil {
			logger.Error("failed to load rules", "file", cfg.RulesFile, "error", err)
			os.Exit(1)
		}
	}
	if *check {
		for _, s := range specs {
			if _, err := s.Record(); err != nil {
				fmt.Fprintf(os.Stderr, "%s: %v\n", s.Describe(), err)
				os.Exit(1)
			}
		}
		fmt.Printf("configuration ok, %d rules\n", len(specs))
		return
	}

	if err := run(cfg, specs, logger); err != nil {
		logger.Error("bricksd failed", "error", err)
		os.Exit(1)
	}
}

func newLogger(c *config.LoggingConfig) *logging.Logger {
	lc := logging.DefaultConfig()
	lc.Level = logging.ParseLevel(c.Level)
	lc.JSON = c.JSON
	if s := c.Syslog; s != nil && s.Enabled {
		sc := logging.DefaultSyslogConfig()
		sc.Enabled = true
		sc.Host = s.Host
		if s.Port != 0 {
			sc.Port = s.Port
		}
		if s.Protocol != "" {
			sc.Protocol = s.Protocol
		}
		if s.Tag != "" {
			sc.Tag = s.Tag
		}
		if s.Facility != 0 {
			sc.Facility = s.Facility
		}
		lc.Syslog = &sc
	}
	return logging.New(lc)
}

func run(cfg *config.Config, specs []config.RuleSpec, logger *logging.Logger) error {
	d, err := daemon.New(cfg, logger)
	if err != nil {
		return err
	}
	defer d.Close()

	if len(specs) > 0 {
		// A bad rule is reported but does not keep the daemon down.
		d.Preload(specs)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := d.Start(ctx); err != nil {
		return err
	}
	logger.Info("bricksd started", "control", d.ControlAddr().String())

	<-ctx.Done()
	logger.Info("shutdown signal received")
	return nil
}
