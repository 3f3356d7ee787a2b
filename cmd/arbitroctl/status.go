package main

import (
	"github.com/urfave/cli/v2"
)

var health = cli.Command{
	Name:   "health",
	Usage:  "returns the service health and the active RPC endpoint",
	Action: healthAction,
}

var stats = cli.Command{
	Name:   "stats",
	Usage:  "returns the global order counters",
	Action: statsAction,
}

var reconcile = cli.Command{
	Name:  "reconcile",
	Usage: "returns the last ledger and chain reconciliation report",
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "refresh",
			Usage: "run a new reconciliation before reporting",
		},
	},
	Action: reconcileAction,
}

func healthAction(ctx *cli.Context) error {
	reply, err := getClient(ctx).Health(ctx.Context)
	if err != nil {
		return err
	}
	return printRespJSON(ctx, reply)
}

func statsAction(ctx *cli.Context) error {
	reply, err := getClient(ctx).GetStats(ctx.Context)
	if err != nil {
		return err
	}
	return printRespJSON(ctx, reply)
}

func reconcileAction(ctx *cli.Context) error {
	reply, err := getClient(ctx).Reconciliation(ctx.Context, ctx.Bool("refresh"))
	if err != nil {
		return err
	}
	return printRespJSON(ctx, reply)
}
