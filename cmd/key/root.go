package key

import (
	"encoding/json"
	"fmt"
	"github.com/ValentinKolb/kscan/cmd/util"
	"github.com/ValentinKolb/kscan/lib/backend"
	"github.com/ValentinKolb/kscan/lib/executor"
	"github.com/ValentinKolb/kscan/lib/scan"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	exec *executor.Executor

	// KeyCommands represents the key command group
	KeyCommands = &cobra.Command{
		Use:                "key",
		Short:              "Inspect single keys and namespaces",
		PersistentPreRunE:  connect,
		PersistentPostRunE: disconnect,
	}
)

func init() {
	cobra.OnInitialize(util.InitClientConfig)

	util.SetupClientFlags(KeyCommands)

	KeyCommands.AddCommand(inspectCmd)
	KeyCommands.AddCommand(dbsizeCmd)
	KeyCommands.AddCommand(listCmd)

	key := "value-limit"
	inspectCmd.Flags().Int(key, scan.DefaultInspectorConfig().ValueLimit, util.WrapString("The maximum number of elements read from collection values"))

	key = "fallback-threshold"
	listCmd.Flags().Int64(key, scan.DefaultOptions().SafeFallbackThreshold, util.WrapString("The largest keyspace that may be listed with a single KEYS command"))
}

// connect opens the executor shared by all key commands
func connect(cmd *cobra.Command, _ []string) error {
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}
	var err error
	exec, err = util.Connect(cmd.Context())
	return err
}

func disconnect(_ *cobra.Command, _ []string) error {
	if exec == nil {
		return nil
	}
	return exec.Close()
}

var (
	inspectCmd = &cobra.Command{
		Use:   "inspect [key]",
		Short: "Prints type, TTL and value of a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			config := scan.DefaultInspectorConfig()
			config.ValueLimit = viper.GetInt("value-limit")
			config.CacheTTL = 0

			inspector, err := scan.NewInspector(exec, config)
			if err != nil {
				return err
			}
			defer inspector.Close()

			record, err := inspector.Inspect(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(record, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
	dbsizeCmd = &cobra.Command{
		Use:   "dbsize",
		Short: "Prints the number of keys in the selected database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := exec.Execute(cmd.Context(), executor.Cmd(backend.CmdDBSize))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "db=%d, keys=%v\n", exec.Descriptor().DB, res.Reply)
			return nil
		},
	}
	listCmd = &cobra.Command{
		Use:   "list [pattern]",
		Short: "Lists all matching keys with a single KEYS command, refused on large databases",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := scan.DefaultOptions()
			opts.SafeFallbackThreshold = viper.GetInt64("fallback-threshold")

			sched := scan.NewScheduler(exec, opts, scan.ListenerFuncs{
				Advisory: func(msg string) { fmt.Fprintln(cmd.ErrOrStderr(), msg) },
			})
			defer sched.Close()

			pattern := scan.MatchAll
			if len(args) == 1 {
				pattern = args[0]
			}
			keys, err := sched.ListAll(cmd.Context(), pattern)
			if err != nil {
				return err
			}
			for _, k := range keys {
				fmt.Fprintln(cmd.OutOrStdout(), k)
			}
			return nil
		},
	}
)
