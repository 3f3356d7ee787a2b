package main

import (
	"errors"

	"github.com/urfave/cli/v2"

	"github.com/acal-network/arbitro/internal/apiclient"
)

var confirm = cli.Command{
	Name:  "confirm",
	Usage: "submits a taker payment confirmation",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "order",
			Usage:    "order id",
			Required: true,
		},
		&cli.StringFlag{
			Name:     "taker",
			Usage:    "taker address",
			Required: true,
		},
		&cli.StringFlag{
			Name:     "proof",
			Usage:    "payment proof hash",
			Required: true,
		},
		&cli.StringFlag{
			Name:  "signature",
			Usage: "taker signature over the confirmation",
		},
	},
	Action: confirmAction,
}

var resolve = cli.Command{
	Name:      "resolve",
	Usage:     "manually resolves a locked or disputed order",
	ArgsUsage: "<order id>",
	Flags: []cli.Flag{
		&cli.IntFlag{
			Name:     "verdict",
			Usage:    "0 favours the maker, 1 the taker, 2 splits",
			Required: true,
		},
		&cli.StringFlag{
			Name:  "reason",
			Usage: "free-form note kept in the service log",
		},
	},
	Action: resolveAction,
}

func confirmAction(ctx *cli.Context) error {
	reply, err := getClient(ctx).ConfirmPayment(ctx.Context, apiclient.ConfirmPaymentRequest{
		OrderID:      ctx.String("order"),
		TakerAddress: ctx.String("taker"),
		ProofHash:    ctx.String("proof"),
		Signature:    ctx.String("signature"),
	})
	if err != nil {
		return err
	}
	return printRespJSON(ctx, reply)
}

func resolveAction(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return &invalidUsageError{ctx, ctx.Command.Name}
	}
	verdict := ctx.Int("verdict")
	if verdict < 0 || verdict > 2 {
		return errors.New("verdict must be 0, 1 or 2")
	}
	reply, err := getClient(ctx).Resolve(ctx.Context, ctx.Args().First(), verdict, ctx.String("reason"))
	if err != nil {
		return err
	}
	return printRespJSON(ctx, reply)
}
