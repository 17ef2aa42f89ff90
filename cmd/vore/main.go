// Copyright (c) 2024 The Vore Authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Command vore is the thin client for vored's control socket: every
// subcommand just encodes one request, sends it, and prints the response's
// data; subcommands whose response is empty print nothing on success.
package main

import (
	"encoding/json"
	"fmt"
	"net"
	"os"

	"github.com/urfave/cli"

	"github.com/the-eater/vore/pkg/rpc"
)

func main() {
	app := cli.NewApp()
	app.Name = "vore"
	app.Usage = "control vored-managed virtual machines"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "socket",
			Value: "/run/vore.sock",
			Usage: "vored control socket path",
		},
	}
	app.Commands = []cli.Command{
		versionCommand,
		listCommand,
		loadCommand,
		prepareCommand,
		startCommand,
		stopCommand,
		killCommand,
		unloadCommand,
		diskPresetsCommand,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "vore:", err)
		os.Exit(1)
	}
}

func dial(c *cli.Context) (*rpc.Client, error) {
	conn, err := net.Dial("unix", c.GlobalString("socket"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to vored at %s: %w", c.GlobalString("socket"), err)
	}
	return rpc.NewClient(conn), nil
}

func printJSON(v interface{}) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintln(os.Stderr, "vore: failed to render response:", err)
		return
	}
	fmt.Println(string(out))
}

var versionCommand = cli.Command{
	Name:  "daemon-version",
	Usage: "print the connected daemon's name and version",
	Action: func(c *cli.Context) error {
		client, err := dial(c)
		if err != nil {
			return err
		}
		defer client.Close()

		resp, err := rpc.Call[rpc.InfoRequest, rpc.InfoResponse](client, rpc.InfoRequest{})
		if err != nil {
			return err
		}
		printJSON(resp)
		return nil
	},
}

var listCommand = cli.Command{
	Name:  "list",
	Usage: "list every machine vored knows about",
	Action: func(c *cli.Context) error {
		client, err := dial(c)
		if err != nil {
			return err
		}
		defer client.Close()

		resp, err := rpc.Call[rpc.ListRequest, rpc.ListResponse](client, rpc.ListRequest{})
		if err != nil {
			return err
		}
		printJSON(resp.Items)
		return nil
	},
}

var loadCommand = cli.Command{
	Name:      "load",
	Usage:     "load an instance definition from a TOML file",
	ArgsUsage: "<path.toml>",
	Flags: []cli.Flag{
		cli.BoolFlag{Name: "save", Usage: "persist the definition on the daemon"},
		cli.StringSliceFlag{Name: "cdrom", Usage: "override a cdrom-preset disk's backing file, in slot order"},
	},
	Action: func(c *cli.Context) error {
		if c.NArg() != 1 {
			return fmt.Errorf("expected exactly one argument: the path to a TOML instance definition")
		}

		data, err := os.ReadFile(c.Args().Get(0))
		if err != nil {
			return err
		}

		client, err := dial(c)
		if err != nil {
			return err
		}
		defer client.Close()

		resp, err := rpc.Call[rpc.LoadRequest, rpc.LoadResponse](client, rpc.LoadRequest{
			TOML:   string(data),
			CDROMs: c.StringSlice("cdrom"),
			Save:   c.Bool("save"),
		})
		if err != nil {
			return err
		}
		printJSON(resp.Info)
		return nil
	},
}

var prepareCommand = cli.Command{
	Name:      "prepare",
	Usage:     "run host-side preparation for a machine without starting it",
	ArgsUsage: "<name>",
	Action: func(c *cli.Context) error {
		return namedAction[rpc.PrepareRequest, rpc.PrepareResponse](c, func(name string) rpc.PrepareRequest {
			return rpc.PrepareRequest{Name: name}
		})
	},
}

var startCommand = cli.Command{
	Name:      "start",
	Usage:     "prepare (if needed) and start a machine",
	ArgsUsage: "<name>",
	Flags: []cli.Flag{
		cli.StringSliceFlag{Name: "cdrom", Usage: "override a cdrom-preset disk's backing file, in slot order"},
	},
	Action: func(c *cli.Context) error {
		if c.NArg() != 1 {
			return fmt.Errorf("expected exactly one argument: the machine name")
		}
		client, err := dial(c)
		if err != nil {
			return err
		}
		defer client.Close()

		_, err = rpc.Call[rpc.StartRequest, rpc.StartResponse](client, rpc.StartRequest{
			Name:   c.Args().Get(0),
			CDROMs: c.StringSlice("cdrom"),
		})
		return err
	},
}

var stopCommand = cli.Command{
	Name:      "stop",
	Usage:     "request a graceful ACPI shutdown",
	ArgsUsage: "<name>",
	Action: func(c *cli.Context) error {
		return namedAction[rpc.StopRequest, rpc.StopResponse](c, func(name string) rpc.StopRequest {
			return rpc.StopRequest{Name: name}
		})
	},
}

var killCommand = cli.Command{
	Name:      "kill",
	Usage:     "forcibly terminate a machine's hypervisor process",
	ArgsUsage: "<name>",
	Action: func(c *cli.Context) error {
		return namedAction[rpc.KillRequest, rpc.KillResponse](c, func(name string) rpc.KillRequest {
			return rpc.KillRequest{Name: name}
		})
	},
}

var unloadCommand = cli.Command{
	Name:      "unload",
	Usage:     "remove a stopped machine's definition from the daemon",
	ArgsUsage: "<name>",
	Action: func(c *cli.Context) error {
		return namedAction[rpc.UnloadRequest, rpc.UnloadResponse](c, func(name string) rpc.UnloadRequest {
			return rpc.UnloadRequest{Name: name}
		})
	},
}

var diskPresetsCommand = cli.Command{
	Name:  "disk-presets",
	Usage: "list the disk presets the command builder script understands",
	Action: func(c *cli.Context) error {
		client, err := dial(c)
		if err != nil {
			return err
		}
		defer client.Close()

		resp, err := rpc.Call[rpc.DiskPresetsRequest, rpc.DiskPresetsResponse](client, rpc.DiskPresetsRequest{})
		if err != nil {
			return err
		}
		printJSON(resp.Presets)
		return nil
	},
}

// namedAction is the common shape of every subcommand that just takes a
// machine name and expects an empty response on success.
func namedAction[Req rpc.Request, Resp rpc.Response](c *cli.Context, build func(name string) Req) error {
	if c.NArg() != 1 {
		return fmt.Errorf("expected exactly one argument: the machine name")
	}

	client, err := dial(c)
	if err != nil {
		return err
	}
	defer client.Close()

	_, err = rpc.Call[Req, Resp](client, build(c.Args().Get(0)))
	return err
}
