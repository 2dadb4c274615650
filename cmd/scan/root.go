package scan

import (
	"context"
	"fmt"
	"github.com/ValentinKolb/kscan/cmd/util"
	"github.com/ValentinKolb/kscan/lib/scan"
	"github.com/ValentinKolb/kscan/lib/tree"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
	gometrics "github.com/rcrowley/go-metrics"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"os"
	"os/signal"
	"syscall"
)

var Logger = logger.GetLogger("cli")

var (
	// ScanCmd streams the keys matching a set of patterns
	ScanCmd = &cobra.Command{
		Use:   "scan [patterns...]",
		Short: "Incrementally scan the keys matching the patterns",
		Long: `Scan the keyspace with one SCAN cursor per pattern and print every found key once.
Without patterns all keys are scanned. The scan stops at the hard cap.

Send SIGINT to abort the scan, SIGUSR1 to pause and resume it.
The configuration can be set via command line flags or environment variables (e.g. KSCAN_HARD_CAP=500).`,
		PreRunE: bindFlags,
		RunE:    run,
	}
)

func init() {
	cobra.OnInitialize(util.InitClientConfig)

	util.SetupClientFlags(ScanCmd)
	util.SetupScanFlags(ScanCmd)

	key := "tree"
	ScanCmd.Flags().Bool(key, false, util.WrapString("Print the keys as a tree instead of a stream"))

	key = "separator"
	ScanCmd.Flags().String(key, tree.DefaultSeparator, util.WrapString("The namespace separator used by --tree"))

	key = "stats"
	ScanCmd.Flags().Bool(key, false, util.WrapString("Print scan statistics to stderr when done"))

	key = "stats-raw"
	ScanCmd.Flags().Bool(key, false, util.WrapString("Dump the raw statistics registry to stderr when done"))

	key = "metrics"
	ScanCmd.Flags().Bool(key, false, util.WrapString("Print the process metrics in Prometheus format to stderr when done"))
}

func bindFlags(cmd *cobra.Command, _ []string) error {
	return util.BindCommandFlags(cmd)
}

func run(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	exec, err := util.Connect(ctx)
	if err != nil {
		return err
	}
	defer exec.Close()

	opts := util.GetScanOptions()
	asTree := viper.GetBool("tree")
	Logger.Debugf("scan options: %s", opts)

	out := cmd.OutOrStdout()
	sched := scan.NewScheduler(exec, opts, scan.ListenerFuncs{
		Batch: func(keys []string) {
			if asTree {
				return
			}
			for _, k := range keys {
				_, _ = fmt.Fprintln(out, k)
			}
		},
		KeyCountUpdate: func(db int, count int64) {
			Logger.Infof("db %d holds %d keys", db, count)
		},
		SessionState: func(state scan.State) {
			Logger.Debugf("session state: %s", state)
		},
		CapacityWarning: func(hardCap int) {
			_, _ = fmt.Fprintf(os.Stderr, "stopped at the hard cap of %d keys, refine the patterns to see more\n", hardCap)
		},
		Advisory: func(msg string) {
			_, _ = fmt.Fprintln(os.Stderr, msg)
		},
		Error: func(err error) {
			Logger.Errorf("scan stopped: %v", err)
		},
	})
	defer sched.Close()

	// SIGINT aborts, SIGUSR1 toggles pause
	resumed := make(chan struct{}, 1)
	wake := func() {
		select {
		case resumed <- struct{}{}:
		default:
		}
	}
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGUSR1)
	defer signal.Stop(sigs)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-sigs:
				switch sig {
				case os.Interrupt:
					if sched.Abort() {
						_, _ = fmt.Fprintln(os.Stderr, "aborting scan")
					}
					wake()
				case syscall.SIGUSR1:
					if sched.Pause() {
						_, _ = fmt.Fprintln(os.Stderr, "scan paused, send SIGUSR1 again to resume")
					} else if sched.Resume() {
						_, _ = fmt.Fprintln(os.Stderr, "scan resumed")
						wake()
					}
				}
			}
		}
	}()

	err = sched.StartSearch(ctx, args)
	if err == nil {
		err = drive(ctx, sched, resumed)
	}

	snap := sched.Snapshot()
	stats := sched.Stats()
	sched.Close()

	if asTree {
		if perr := tree.Print(out, tree.Project(snap.Keys, viper.GetString("separator"))); perr != nil {
			return perr
		}
	}
	Logger.Infof("%d keys found, session %s", len(snap.Keys), snap.State)

	if viper.GetBool("stats") {
		_, _ = fmt.Fprint(os.Stderr, stats.String())
	}
	if viper.GetBool("stats-raw") {
		gometrics.WriteOnce(sched.StatsRegistry(), os.Stderr)
	}
	if viper.GetBool("metrics") {
		metrics.WritePrometheus(os.Stderr, true)
	}
	return err
}

// drive loads pages until the session stops running. A paused session waits
// for a value on resumed before it continues.
func drive(ctx context.Context, sched *scan.Scheduler, resumed <-chan struct{}) error {
	for {
		switch sched.Snapshot().State {
		case scan.StateRunning:
			if err := sched.LoadNextBatch(ctx); err != nil {
				return err
			}
		case scan.StatePaused:
			select {
			case <-resumed:
			case <-ctx.Done():
				return ctx.Err()
			}
		default:
			return nil
		}
	}
}
