// Command multiplexer wires a Router, Context Service, and File Service
// together and serves their dispatch contract over net/rpc, the way a real
// multiplexer process would — local testing and debugging only, since the
// wire protocol a production deployment speaks to remote peers is outside
// this core's scope.
package main

import (
	"fmt"
	"net"
	"net/rpc"
	"os"

	"github.com/spf13/cobra"

	"github.com/mitogen-go/multiplexer/internal/mconfig"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "multiplexer",
		Short: "Context and File service core for agentless remote execution",
	}
	root.AddCommand(newServeCmd())
	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the multiplexer version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), "multiplexer dev")
			return nil
		},
	}
}

func newServeCmd() *cobra.Command {
	var addr string
	var nMax int
	chunk := byteSize(131072)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Context and File services and listen for RPC dispatch",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := []mconfig.Option{mconfig.Chunk(int(chunk))}
			if cmd.Flags().Changed("n-max") {
				opts = append(opts, mconfig.NMax(nMax))
			}
			cfg := mconfig.New(opts...)
			h := newHandler(cfg)

			server := rpc.NewServer()
			if err := server.RegisterName("Multiplexer", h); err != nil {
				return fmt.Errorf("register rpc handler: %w", err)
			}

			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("listen on %s: %w", addr, err)
			}
			defer ln.Close()

			fmt.Fprintf(cmd.OutOrStdout(), "multiplexer listening on %s\n", ln.Addr())
			server.Accept(ln)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&addr, "addr", "127.0.0.1:0", "address to listen on")
	flags.IntVar(&nMax, "n-max", 20, "per-via LRU bound (overrides MITOGEN_MAX_INTERPRETERS)")
	flags.Var(&chunk, "chunk", "scheduler read/send chunk size, e.g. 128Ki, 1Mi")
	return cmd
}
