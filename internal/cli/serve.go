package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/adamwoolhether/backoffer/internal/origin"
)

type serveFlags struct {
	addr            string
	loop            bool
	shutdownTimeout time.Duration
}

func newServeCmd(flags *rootFlags) *cobra.Command {
	var sf serveFlags

	cmd := &cobra.Command{
		Use:   "serve <response>[,<response>...]",
		Short: "Run an origin that answers with a scripted response sequence",
		Long: `Serve runs an HTTP origin that walks through the given responses, one per
request, using the same notation as replay. Point probe at it to watch the
throttle react to a real server:

  throttlesim serve 200,503,503,503@3s,200~ --addr 127.0.0.1:8080`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var script []origin.Response
			for _, arg := range args {
				part, err := origin.ParseScript(arg)
				if err != nil {
					return err
				}
				script = append(script, part...)
			}

			logger, err := flags.logger(cmd)
			if err != nil {
				return err
			}

			handler := origin.Wrap(origin.NewHandler(script, sf.loop), origin.Panics(logger), origin.Logger(logger))
			srv := origin.NewServer(handler,
				origin.WithAddr(sf.addr),
				origin.WithLogger(logger),
				origin.WithShutdownTimeout(sf.shutdownTimeout),
			)

			ready := make(chan string, 1)
			go func() {
				select {
				case addr := <-ready:
					fmt.Fprintf(cmd.OutOrStdout(), "serving %d responses on http://%s\n", len(script), addr)
				case <-cmd.Context().Done():
				}
			}()

			return srv.Run(cmd.Context(), ready)
		},
	}

	cmd.Flags().StringVar(&sf.addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().BoolVar(&sf.loop, "loop", false, "restart the script when it runs out instead of repeating the last response")
	cmd.Flags().DurationVar(&sf.shutdownTimeout, "shutdown-timeout", 5*time.Second, "grace period for in-flight requests")

	return cmd
}
