// Command qrerun requeues a running PBS job back to the queued state.
//
// Usage:
//
//	qrerun [-f] job_id...
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/opentorque/pbs-rerun/internal/cli/client"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stderr))
}

func run(args []string, stderr io.Writer) int {
	var (
		force  bool
		server string
		code   int
	)
	cmd := &cobra.Command{
		Use:           "qrerun [-f] job_id...",
		Short:         "Requeue a running job back to queued state",
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(_ *cobra.Command, jobIDs []string) error {
			conn, err := client.Connect(server)
			if err != nil {
				code = 2
				return errors.Wrap(err, "cannot connect to server")
			}
			defer conn.Close()

			for _, id := range jobIDs {
				if err := conn.RerunJob(id, force); err != nil {
					fmt.Fprintf(stderr, "qrerun: %s: %v\n", id, err)
					code = 1
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "force the rerun even if the job is not rerunable or its host is down")
	cmd.Flags().StringVarP(&server, "server", "s", "", "server to contact (default: PBS_DEFAULT or server_name)")
	cmd.SetArgs(args)
	cmd.SetErr(stderr)

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(stderr, "qrerun: %v\n", err)
		if code == 0 {
			code = 1
		}
	}
	return code
}
