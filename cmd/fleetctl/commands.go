package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/pflag"

	"github.com/openclaw/agent-provisioner/internal/handler"
	"github.com/openclaw/agent-provisioner/internal/provision"
)

var errUsage = errors.New("invalid usage")

type Sweeper interface {
	Sweep(ctx context.Context) provision.SweepReport
}

type commands struct {
	fleet   handler.Fleet
	sweeper Sweeper
	out     io.Writer
}

func (c *commands) run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		printUsage(c.out)
		return errUsage
	}

	name, rest := args[0], args[1:]
	flagSet := pflag.NewFlagSet("fleetctl "+name, pflag.ContinueOnError)
	flagSet.SetOutput(c.out)
	userID := flagSet.String("user", "", "user id of the instance")
	if err := flagSet.Parse(rest); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return errUsage
	}

	switch name {
	case "list":
		instances, err := c.fleet.List(ctx)
		if err != nil {
			return err
		}
		return c.print(instances)

	case "status":
		if *userID == "" {
			return fmt.Errorf("%w: status requires --user", errUsage)
		}
		status, err := c.fleet.InspectStatus(ctx, *userID)
		if err != nil {
			return err
		}
		return c.print(map[string]any{"userId": *userID, "status": status})

	case "deprovision":
		if *userID == "" {
			return fmt.Errorf("%w: deprovision requires --user", errUsage)
		}
		report, err := c.fleet.Deprovision(ctx, *userID)
		if err != nil {
			return err
		}
		if err := c.print(report); err != nil {
			return err
		}
		if report.RuntimeSkipped {
			return errors.New("container runtime unreachable, nothing was removed")
		}
		return nil

	case "reconcile":
		report, err := c.fleet.Reconcile(ctx)
		if err != nil {
			return err
		}
		return c.print(report)

	case "reap":
		return c.print(c.sweeper.Sweep(ctx))

	case "help":
		printUsage(c.out)
		return nil

	default:
		printUsage(c.out)
		return fmt.Errorf("%w: unknown command %q", errUsage, name)
	}
}

func (c *commands) print(v any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `usage: fleetctl <command> [flags]

commands:
  list                        list stored agent instances
  status --user <id>          observe and record an instance's runtime state
  deprovision --user <id>     remove an instance's container and mark it stopped
  reconcile                   converge stored instances with the runtime
  reap                        remove orphaned and long-stopped containers
`)
}
