package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"regent/internal/bootstrap"
	"regent/internal/client"
	"regent/internal/observability"
	"regent/pkg/election"
	"regent/pkg/model"
)

const discoverTimeout = 10 * time.Second

func main() {
	root := &cobra.Command{
		Use:          "regent-cli",
		Short:        "Submit and inspect regent jobs",
		SilenceUsage: true,
	}
	bootstrap.BindFlags(root)
	root.PersistentFlags().String("server", envOr("REGENT_SERVER", "localhost:8080"), "Master HTTP address")
	root.PersistentFlags().Bool("discover", false, "Find the current leader through etcd instead of --server")

	root.AddCommand(submitCmd(), cancelCmd(), resultCmd(), listCmd(), logsCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// newClient 按 --discover 决定从 etcd 还是 --server 获取 master 地址
func newClient(cmd *cobra.Command) (*client.Client, error) {
	discover, _ := cmd.Flags().GetBool("discover")
	if !discover {
		server, _ := cmd.Flags().GetString("server")
		return client.New(server, nil), nil
	}

	cfg, err := bootstrap.LoadConfig(cmd, map[string]any{
		"logging.level":   "warn",
		"logging.profile": observability.ProfileConsole,
	})
	if err != nil {
		return nil, err
	}
	etcd, err := bootstrap.OpenEtcd(cfg.Etcd, observability.Logger)
	if err != nil {
		return nil, err
	}
	defer func() { _ = etcd.Close() }()

	found := make(chan model.LeaderInfo, 1)
	retriever := election.NewEtcdRetriever(etcd.Client(), etcd.ElectionPrefix(), observability.Logger)
	ctx, cancel := context.WithTimeout(cmd.Context(), discoverTimeout)
	defer cancel()
	if err := retriever.Start(ctx, election.ListenerFunc(func(info model.LeaderInfo) {
		select {
		case found <- info:
		default:
		}
	})); err != nil {
		return nil, err
	}
	defer func() { _ = retriever.Stop() }()

	select {
	case info := <-found:
		return client.New(info.Address, nil), nil
	case <-ctx.Done():
		return nil, errors.New("no confirmed leader found in etcd")
	}
}

func submitCmd() *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "submit <job.yaml>",
		Short: "Upload artifacts and submit a job described by a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jf, err := client.LoadJobFile(args[0])
			if err != nil {
				return err
			}
			c, err := newClient(cmd)
			if err != nil {
				return err
			}
			id, err := c.SubmitJobFile(cmd.Context(), jf)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "submitted %s\n", id)
			if wait <= 0 {
				return nil
			}
			return printResult(cmd, c, id, wait)
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 0, "Wait up to this long for the job to finish")
	return cmd
}

func cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Request cancellation of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(cmd)
			if err != nil {
				return err
			}
			if err := c.Cancel(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cancel requested for %s\n", args[0])
			return nil
		},
	}
}

func resultCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "result <job-id>",
		Short: "Wait for a job's terminal result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(cmd)
			if err != nil {
				return err
			}
			return printResult(cmd, c, args[0], timeout)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "How long to wait")
	return cmd
}

func printResult(cmd *cobra.Command, c *client.Client, id string, timeout time.Duration) error {
	res, err := c.Result(cmd.Context(), id, timeout)
	if errors.Is(err, client.ErrResultPending) {
		fmt.Fprintf(cmd.OutOrStdout(), "%s still running\n", id)
		return nil
	}
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List jobs known to the current leader",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := newClient(cmd)
			if err != nil {
				return err
			}
			jobs, err := c.List(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tSTATE\tRECOVERED\tSUBMITTED")
			for _, j := range jobs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\n", j.ID, j.Name, j.State, j.Recovered, j.SubmittedAt.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
}

func logsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logs <job-id>",
		Short: "Print the captured output of a finished job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(cmd)
			if err != nil {
				return err
			}
			logs, err := c.Logs(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), logs)
			return err
		},
	}
}
