// arbitroctl is the operator CLI for a running arbitro service
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/acal-network/arbitro/internal/apiclient"
)

// Build info - set by ldflags
var Version = "dev"

func main() {
	if err := newApp(os.Stdout).Run(os.Args); err != nil {
		fatal(err)
	}
}

func newApp(out io.Writer) *cli.App {
	app := cli.NewApp()

	app.Version = Version
	app.Name = "arbitroctl"
	app.Usage = "Command line interface for arbitro operators"
	app.Writer = out
	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "url",
			Usage:   "base URL of the arbitro API",
			Value:   "http://localhost:3001",
			EnvVars: []string{"ARBITRO_API_URL"},
		},
		&cli.StringFlag{
			Name:    "admin-secret",
			Usage:   "bearer token for manual resolutions",
			EnvVars: []string{"ADMIN_SECRET"},
		},
	}
	app.Commands = append(
		app.Commands,
		&health,
		&order,
		&orders,
		&events,
		&stats,
		&reconcile,
		&confirm,
		&resolve,
	)
	return app
}

func getClient(ctx *cli.Context) *apiclient.Client {
	return apiclient.New(apiclient.Config{
		APIURL:      ctx.String("url"),
		AdminSecret: ctx.String("admin-secret"),
	})
}

// printRespJSON indents a raw API response onto the app writer.
func printRespJSON(ctx *cli.Context, raw json.RawMessage) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("unable to decode response: %w", err)
	}
	out, err := json.MarshalIndent(v, "", "\t")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(ctx.App.Writer, string(out))
	return err
}

type invalidUsageError struct {
	ctx     *cli.Context
	command string
}

func (e *invalidUsageError) Error() string {
	return fmt.Sprintf("invalid usage of command %s", e.command)
}

func fatal(err error) {
	var e *invalidUsageError
	if errors.As(err, &e) {
		_ = cli.ShowCommandHelp(e.ctx, e.command)
	} else {
		_, _ = fmt.Fprintf(os.Stderr, "[arbitroctl] %v\n", err)
	}
	os.Exit(1)
}
