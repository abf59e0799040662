package client

import (
	"context"
	"fmt"
	"os"

	"github.com/pithecene-io/tether/dispatch"
	"github.com/pithecene-io/tether/types"
)

// EchoPanicMethod makes the echo client panic inside its handler, which
// exercises the ClientException path end to end.
const EchoPanicMethod = "EchoPanic"

// RunEcho is a trivial client: it connects back to host:port, announces
// itself with one line of tunnelled output, then sends every command it
// receives back to the server unchanged until Exit.
func RunEcho(ctx context.Context, host string, port int, sessionID string, opts Options) error {
	var c *Client
	router := dispatch.NewRouter()
	router.Handle(EchoPanicMethod, func(_ context.Context, _ string, cmd *types.Command) error {
		panic(fmt.Sprintf("echo client asked to panic: %v", cmd.Params["reason"]))
	})
	router.HandleFallback(func(_ context.Context, _ string, cmd *types.Command) error {
		return c.SendCommand(cmd.Method, cmd.Params)
	})
	opts.Handler = router

	var err error
	c, err = Dial(ctx, host, port, sessionID, opts)
	if err != nil {
		return err
	}

	out := c.OpenLineFile(ModeWrite, "<stdout>")
	if _, err := fmt.Fprintf(out, "echo client ready (pid %d)\n", os.Getpid()); err != nil {
		_ = c.Close()
		return err
	}
	return c.Run(ctx)
}
