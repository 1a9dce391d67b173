package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/olekukonko/tablewriter"
	"github.com/paulgrammer/genbatch/internal/batch"
	"github.com/paulgrammer/genbatch/internal/credentials"
	"github.com/paulgrammer/genbatch/internal/download"
	"github.com/paulgrammer/genbatch/internal/history"
	"github.com/paulgrammer/genbatch/internal/jobs"
	"github.com/paulgrammer/genbatch/internal/ratelimit"
	"github.com/paulgrammer/genbatch/internal/remote"
	"github.com/paulgrammer/genbatch/internal/webhook"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var jobsFile string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a batch of jobs and wait for all of them",
	Long: `Run loads job specs from a YAML or JSON file, starts one worker per job and
waits until every job is terminal. Interrupting the command cancels the batch.`,
	Example: `  batchgen run --jobs jobs.yaml --credentials tokens.txt --output-dir ./videos`,
	RunE:    runBatch,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVar(&jobsFile, "jobs", "", "job file (required)")
	runCmd.Flags().String("credentials", "", "file with one API token per line")
	runCmd.Flags().String("token", "", "single API token, used when no credentials file is given")
	runCmd.Flags().String("output-dir", "", "directory the artifacts are copied to")
	runCmd.Flags().Int("max-concurrent", 16, "maximum jobs running at once, 0 for no limit")
	runCmd.Flags().Duration("poll-interval", 0, "delay between status polls (default 5s)")
	runCmd.Flags().Duration("poll-timeout", 0, "overall polling budget per job (default 10m)")
	runCmd.MarkFlagRequired("jobs")

	viper.BindPFlag("credentials_file", runCmd.Flags().Lookup("credentials"))
	viper.BindPFlag("api_token", runCmd.Flags().Lookup("token"))
	viper.BindPFlag("output_dir", runCmd.Flags().Lookup("output-dir"))
	viper.BindPFlag("max_concurrent", runCmd.Flags().Lookup("max-concurrent"))
	viper.BindPFlag("poll_interval", runCmd.Flags().Lookup("poll-interval"))
	viper.BindPFlag("poll_timeout", runCmd.Flags().Lookup("poll-timeout"))
}

func runBatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	specs, err := jobs.LoadFile(jobsFile)
	if err != nil {
		return err
	}
	creds, err := credentials.Load(cfg.Credentials())
	if err != nil && !errors.Is(err, credentials.ErrNoCredentials) {
		return err
	}

	limiter := ratelimit.New(cfg.RateLimitRPS, cfg.RateLimitBurst)
	hist := history.NewStore(cfg.HistoryFile)
	names := make(map[string]string, len(specs))
	for _, s := range specs {
		names[s.ID] = s.Name()
	}

	coordinator := batch.NewCoordinator(
		remote.NewHTTPClient(cfg.Remote(), remote.WithLimiter(limiter)),
		batch.WithDownloader(download.New(download.WithIdleTimeout(cfg.DownloadIdleTimeout))),
		batch.WithWorkerConfig(cfg.Worker()),
		batch.WithMaxConcurrent(cfg.MaxConcurrent),
		batch.WithHook(batch.WebhookHook(webhook.NewHTTPSender(cfg.WebhookTimeout, cfg.WebhookMaxRetries), cfg.WebhookURL, slog.Default())),
		batch.WithHook(func(h *batch.Handle) jobs.Observer {
			return hist.Observer(h.ID(), names, func(err error) {
				slog.Error("failed to record history", "error", err)
			})
		}),
	)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	h, execErr := coordinator.Execute(ctx, specs, creds, batch.WithSubscriber(progressPrinter(names)))
	if h == nil {
		return execErr
	}
	go func() {
		select {
		case <-ctx.Done():
			slog.Warn("interrupted, cancelling batch", "batch_id", h.ID())
		case <-h.Done():
		}
	}()
	if err := h.Wait(context.Background()); err != nil {
		return err
	}

	failed := printOutcomes(cmd.OutOrStdout(), specs, h.Outcomes())
	if execErr != nil {
		return execErr
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d jobs did not succeed", failed, len(specs))
	}
	return nil
}

func progressPrinter(names map[string]string) jobs.Observer {
	return jobs.Funcs{
		Progress: func(jobID string, percent int, message string) {
			slog.Info("progress", "job", names[jobID], "percent", percent, "message", message)
		},
		Log: func(jobID string, line string) {
			slog.Debug(line, "job", names[jobID])
		},
		Terminal: func(jobID string, o jobs.Outcome) {
			slog.Info("job done", "job", names[jobID], "status", o.Status, "message", o.Message)
		},
		BatchProgress: func(completed, total int) {
			slog.Info("batch progress", "completed", completed, "total", total)
		},
	}
}

// printOutcomes renders one row per job in input order and returns how many did not succeed.
func printOutcomes(w io.Writer, specs []jobs.JobSpec, outs map[string]jobs.Outcome) int {
	table := tablewriter.NewWriter(w)
	table.Header("Job", "Status", "Message", "Output")
	failed := 0
	for _, s := range specs {
		o := outs[s.ID]
		if !o.Success {
			failed++
		}
		output := o.Result[jobs.ResultLocalPath]
		if output == "" {
			output = o.Result[jobs.ResultURL]
		}
		table.Append(s.Name(), string(o.Status), o.Message, output)
	}
	table.Render()
	return failed
}
