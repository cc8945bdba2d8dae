package main

import (
	"os"

	"github.com/ethpandaops/cloudarchive/pkg/api"
	"github.com/ethpandaops/cloudarchive/pkg/output"
	"github.com/spf13/cobra"
)

var (
	ctlAddr         string
	ctlUsername     string
	ctlPassword     string
	ctlHistoryLimit int
	ctlHistoryAll   bool
)

var ctlCmd = &cobra.Command{
	Use:   "ctl",
	Short: "Control a running archiver through its API",
}

var ctlStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show watcher and upload status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		snap, err := newAPIClient().Status(cmd.Context())
		if err != nil {
			return err
		}

		return output.New().Status(snap)
	},
}

var ctlStartCmd = &cobra.Command{
	Use:   "start [DIR]",
	Short: "Start watching the configured directory or DIR",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var dir string
		if len(args) == 1 {
			dir = args[0]
		}

		res, err := newAPIClient().Start(cmd.Context(), dir)
		if err != nil {
			return err
		}

		output.New().Result(res)

		return nil
	},
}

var ctlStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop watching",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := newAPIClient().Stop(cmd.Context())
		if err != nil {
			return err
		}

		output.New().Result(res)

		return nil
	},
}

var ctlUploadCmd = &cobra.Command{
	Use:   "upload PATH",
	Short: "Queue a file on the server host for upload",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := newAPIClient().Upload(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		output.New().Result(res)

		return nil
	},
}

var ctlHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "List recorded uploads",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		entries, err := newAPIClient().History(cmd.Context(), ctlHistoryLimit, ctlHistoryAll)
		if err != nil {
			return err
		}

		return output.New().History(entries)
	},
}

func init() {
	rootCmd.AddCommand(ctlCmd)
	ctlCmd.AddCommand(ctlStatusCmd, ctlStartCmd, ctlStopCmd, ctlUploadCmd, ctlHistoryCmd)

	ctlCmd.PersistentFlags().StringVar(&ctlAddr, "addr", "localhost:8190",
		"API address (host:port or URL)")
	ctlCmd.PersistentFlags().StringVar(&ctlUsername, "username", "",
		"Basic auth username")
	ctlCmd.PersistentFlags().StringVar(&ctlPassword, "password", "",
		"Basic auth password (defaults to $CLOUDARCHIVE_API_PASSWORD)")

	ctlHistoryCmd.Flags().IntVar(&ctlHistoryLimit, "limit", 0,
		"Maximum number of entries (server default when 0)")
	ctlHistoryCmd.Flags().BoolVar(&ctlHistoryAll, "all", false,
		"Include previous sessions")
}

func newAPIClient() *api.Client {
	password := ctlPassword
	if password == "" {
		password = os.Getenv("CLOUDARCHIVE_API_PASSWORD")
	}

	var opts []api.ClientOption
	if ctlUsername != "" {
		opts = append(opts, api.WithBasicAuth(ctlUsername, password))
	}

	return api.NewClient(ctlAddr, opts...)
}
