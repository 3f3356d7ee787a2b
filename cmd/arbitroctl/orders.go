package main

import (
	"github.com/urfave/cli/v2"

	"github.com/acal-network/arbitro/internal/apiclient"
)

var order = cli.Command{
	Name:      "order",
	Usage:     "shows one order as seen by the ledger and the contract",
	ArgsUsage: "<order id>",
	Action:    orderAction,
}

var orders = cli.Command{
	Name:  "orders",
	Usage: "lists projected orders, newest first",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "status",
			Usage: "filter by status (OPEN, LOCKED, COMPLETED, CANCELLED, DISPUTED, EXPIRED)",
		},
		&cli.StringFlag{
			Name:  "maker",
			Usage: "filter by maker address",
		},
		&cli.StringFlag{
			Name:  "taker",
			Usage: "filter by taker address",
		},
		&cli.IntFlag{
			Name:  "limit",
			Usage: "page size",
		},
		&cli.StringFlag{
			Name:  "cursor",
			Usage: "cursor from a previous page",
		},
	},
	Action: ordersAction,
}

var events = cli.Command{
	Name:      "events",
	Usage:     "lists the contract events applied to an order",
	ArgsUsage: "<order id>",
	Action:    eventsAction,
}

func orderAction(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return &invalidUsageError{ctx, ctx.Command.Name}
	}
	reply, err := getClient(ctx).GetOrder(ctx.Context, ctx.Args().First())
	if err != nil {
		return err
	}
	return printRespJSON(ctx, reply)
}

func ordersAction(ctx *cli.Context) error {
	reply, err := getClient(ctx).ListOrders(ctx.Context, apiclient.ListOrdersParams{
		Status: ctx.String("status"),
		Maker:  ctx.String("maker"),
		Taker:  ctx.String("taker"),
		Limit:  ctx.Int("limit"),
		Cursor: ctx.String("cursor"),
	})
	if err != nil {
		return err
	}
	return printRespJSON(ctx, reply)
}

func eventsAction(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return &invalidUsageError{ctx, ctx.Command.Name}
	}
	reply, err := getClient(ctx).GetOrderEvents(ctx.Context, ctx.Args().First())
	if err != nil {
		return err
	}
	return printRespJSON(ctx, reply)
}
