// Copyright (c) 2024 The Vore Authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Command vored is vore's supervisor daemon: it owns the control socket,
// the in-memory machine table, and every running qemu-system process.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/the-eater/vore/internal/version"
	"github.com/the-eater/vore/pkg/config"
	"github.com/the-eater/vore/pkg/daemon"
	"github.com/the-eater/vore/pkg/persist"
)

func main() {
	app := cli.NewApp()
	app.Name = "vored"
	app.Usage = "supervise qemu-based virtual machines"
	app.Version = version.Semver
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config",
			Value: "/etc/vore/vored.toml",
			Usage: "path to the daemon's global configuration file",
		},
		cli.StringFlag{
			Name:  "socket",
			Value: "/run/vore.sock",
			Usage: "control socket path",
		},
		cli.StringFlag{
			Name:  "data-dir",
			Value: "/var/lib/vore",
			Usage: "directory holding instance definitions and working directories",
		},
		cli.StringFlag{
			Name:  "log-level",
			Value: "info",
			Usage: "logrus level: trace, debug, info, warn, error",
		},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	logger := logrus.New()
	if level, err := logrus.ParseLevel(c.String("log-level")); err == nil {
		logger.SetLevel(level)
	}

	global, err := loadGlobalConfig(c.String("config"))
	if err != nil {
		return err
	}

	store := persist.New(c.String("data-dir"))

	d := daemon.New(c.String("socket"), global, store, logger)
	d.LoadDefinitions()

	autoStartAll(d, logger)

	// signalfd (pkg/daemon/signals.go) is the sole SIGINT/SIGTERM/SIGHUP
	// handler: it's wired directly into the event loop's epoll set, so a
	// second handler here (e.g. signal.NotifyContext) would just race it
	// for the same signals without ever being needed to unblock Run.
	return d.Run(context.Background())
}

func loadGlobalConfig(path string) (config.GlobalConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return config.GlobalConfig{}, nil
		}
		return config.GlobalConfig{}, err
	}
	return config.ParseGlobalConfig(string(data))
}

// autoStartAll starts every loaded machine whose definition carries the
// "auto-start" feature flag, logging failures without aborting the
// remaining machines.
func autoStartAll(d *daemon.Daemon, logger logrus.FieldLogger) {
	for name, m := range d.Machines() {
		if !hasFeature(m.Config().Features, "auto-start") {
			continue
		}
		logger.Infof("auto-starting %q", name)
		if err := m.Start(context.Background(), nil); err != nil {
			logger.Errorf("failed to auto-start %q: %v", name, err)
		}
	}
}

func hasFeature(features []string, name string) bool {
	for _, f := range features {
		if f == name {
			return true
		}
	}
	return false
}
