package cmd

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/tether/client"
	"github.com/pithecene-io/tether/log"
)

// EchoCommand returns the echo command: a trivial client that follows the
// spawn contract (host, port and optional session id as positional
// arguments) and echoes every command back.
func EchoCommand() *cli.Command {
	return &cli.Command{
		Name:      "echo",
		Usage:     "Run the echo client against a tether server",
		ArgsUsage: "<host> <port> [session-id]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level: debug, info, warn, error",
				Value: "warn",
			},
			&cli.DurationFlag{
				Name:  "dial-retry",
				Usage: "How long to keep retrying a refused connection",
			},
		},
		Action: echoAction,
	}
}

func echoAction(c *cli.Context) error {
	host, port, sessionID, err := parseEchoArgs(c.Args().Slice())
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := client.Options{
		DialRetry: c.Duration("dial-retry"),
		Logger:    log.New(log.Options{Component: "echo", Level: c.String("log-level")}),
	}
	if err := client.RunEcho(ctx, host, port, sessionID, opts); err != nil && ctx.Err() == nil {
		return cli.Exit(err.Error(), 1)
	}
	return nil
}

func parseEchoArgs(args []string) (host string, port int, sessionID string, err error) {
	if len(args) < 2 || len(args) > 3 {
		return "", 0, "", errors.New("usage: tether echo <host> <port> [session-id]")
	}
	port, err = strconv.Atoi(args[1])
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, "", fmt.Errorf("invalid port %q: must be 1-65535", args[1])
	}
	if len(args) == 3 {
		sessionID = args[2]
	}
	return args[0], port, sessionID, nil
}
