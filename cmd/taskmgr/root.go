package main

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// options is the resolved configuration of one invocation. Values come from
// flags, TASKMGR_* environment variables and the optional config file, in
// that order of precedence.
type options struct {
	Batch            string
	ThreadWorkers    int
	ProcessWorkers   int
	Heartbeat        time.Duration
	HeartbeatTimeout time.Duration
	MetricsAddr      string
	Trace            bool
	LogFile          string
	LogFormat        string
	LogLevel         string
}

func newRootCmd() *cobra.Command {
	return newRootCmdWithViper(viper.New())
}

func newRootCmdWithViper(v *viper.Viper) *cobra.Command {
	var cfgFile string

	root := &cobra.Command{
		Use:          "taskmgr",
		Short:        "Run a batch of tasks across async, thread and process strategies",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cfgFile == "" {
				return nil
			}
			v.SetConfigFile(cfgFile)
			if err := v.ReadInConfig(); err != nil {
				return fmt.Errorf("error while reading the config file: %w", err)
			}
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (yaml)")
	pf.String("batch", "", "batch file describing the tasks")
	pf.String("log-file", "", "write logs to this file with rotation instead of stderr")
	pf.String("log-format", "text", "log format: text or json")
	pf.String("log-level", "info", "log level: debug, info, warn or error")

	v.SetEnvPrefix("TASKMGR")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	_ = v.BindPFlags(pf)

	root.AddCommand(newRunCmd(v), newWorkerCmd(v))
	return root
}

func newRunCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the batch and render its progress",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := loadOptions(v)
			if err != nil {
				return err
			}
			return runBatch(cmd.Context(), o, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	addRunFlags(cmd.Flags())
	_ = v.BindPFlags(cmd.Flags())
	return cmd
}

func addRunFlags(f *pflag.FlagSet) {
	f.Int("thread-workers", runtime.NumCPU(), "concurrent THREAD runs")
	f.Int("process-workers", runtime.NumCPU(), "concurrent worker processes")
	f.Duration("heartbeat", time.Second, "worker heartbeat interval")
	f.Duration("heartbeat-timeout", 10*time.Second, "silence after which a worker is considered lost (at least 3x --heartbeat)")
	f.String("metrics-addr", "", "serve Prometheus metrics on this address")
	f.Bool("trace", false, "print run spans to stderr")
}

func newWorkerCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:    "worker",
		Short:  "Serve one PROCESS run over stdin and stdout",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := loadOptions(v)
			if err != nil {
				return err
			}
			return serveWorker(cmd.Context(), o, cmd.ErrOrStderr())
		},
	}
}

func loadOptions(v *viper.Viper) (options, error) {
	o := options{
		Batch:            v.GetString("batch"),
		ThreadWorkers:    v.GetInt("thread-workers"),
		ProcessWorkers:   v.GetInt("process-workers"),
		Heartbeat:        v.GetDuration("heartbeat"),
		HeartbeatTimeout: v.GetDuration("heartbeat-timeout"),
		MetricsAddr:      v.GetString("metrics-addr"),
		Trace:            v.GetBool("trace"),
		LogFile:          v.GetString("log-file"),
		LogFormat:        v.GetString("log-format"),
		LogLevel:         v.GetString("log-level"),
	}
	if o.Batch == "" {
		return o, fmt.Errorf("--batch is required")
	}
	return o, nil
}

// workerCommand is the argv PROCESS runs use to re-execute this binary.
func (o options) workerCommand(exe string) []string {
	return []string{exe, "worker", "--batch", o.Batch, "--log-format", o.LogFormat, "--log-level", o.LogLevel}
}
