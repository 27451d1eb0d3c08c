package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/drfirst/go-labwatch/internal/analysis"
	"github.com/drfirst/go-labwatch/internal/directory"
	"github.com/drfirst/go-labwatch/internal/domain/patient"
	"github.com/drfirst/go-labwatch/internal/lookup"
	"github.com/drfirst/go-labwatch/internal/notify"
	"github.com/drfirst/go-labwatch/pkg/workerpool"
)

func newAnalyzeCmd(a *app) *cobra.Command {
	var (
		registerDemo bool
		maxAttempts  int
	)

	cmd := &cobra.Command{
		Use:   "analyze <patient-id>...",
		Short: "Analyse one or more patients concurrently",
		Long: `Fetches each patient, retrying while the directory is unavailable or
still warming up, then decides on their glucose answer.

With --register-demo, Grace Hopper (patient 3) is registered first.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]patient.ID, 0, len(args))
			for _, arg := range args {
				id, err := patient.ParseID(arg)
				if err != nil {
					return err
				}
				ids = append(ids, id)
			}
			if cmd.Flags().Changed("max-attempts") {
				a.cfg.Analysis.MaxAttempts = maxAttempts
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.analyze(ctx, cmd.OutOrStdout(), ids, registerDemo)
		},
	}

	cmd.Flags().BoolVar(&registerDemo, "register-demo", false, "register the demo patient before analysing")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 0, "cap patient lookups (0 retries until the directory answers)")
	return cmd
}

func (a *app) analyze(ctx context.Context, w io.Writer, ids []patient.ID, registerDemo bool) error {
	client, err := a.directoryClient()
	if err != nil {
		return err
	}
	policy, err := a.cfg.Policy()
	if err != nil {
		return err
	}

	if registerDemo {
		demo := directory.DemoRegistration()
		if err := client.PutPatient(ctx, demo); err != nil {
			return fmt.Errorf("register demo patient: %w", err)
		}
		a.logger.Info("demo patient registered", zap.Int64("patient_id", int64(demo.ID)))
	}

	dispatcher := notify.NewDispatcher(notify.NewSMSService(a.logger), notify.NewMailService(a.logger), a.logger)
	analyzer := analysis.New(
		lookup.NewPatients(client, a.logger),
		lookup.NewLabAnswers(client, a.logger),
		policy,
		dispatcher,
		a.cfg.AnalyzerConfig(),
		a.logger,
	)

	poolCfg := workerpool.DefaultConfig()
	if a.cfg.Analysis.Workers > 0 {
		poolCfg.Workers = a.cfg.Analysis.Workers
	}
	pool, err := workerpool.New(poolCfg, func(ctx context.Context, task *workerpool.Task) *workerpool.Result {
		out, err := analyzer.Analyze(ctx, task.Payload.(patient.ID))
		return &workerpool.Result{Success: err == nil, Error: err, Data: out}
	}, a.logger)
	if err != nil {
		return err
	}
	pool.Start()
	defer pool.Stop()

	results := make([]*workerpool.Result, len(ids))
	errs := make([]error, len(ids))
	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id patient.ID) {
			defer wg.Done()
			results[i], errs[i] = pool.SubmitWait(ctx, &workerpool.Task{ID: id.String(), Payload: id, Context: ctx})
		}(i, id)
	}
	wg.Wait()

	var failed []error
	for i, id := range ids {
		err := errs[i]
		if err == nil {
			err = results[i].Error
		}
		if err != nil {
			fmt.Fprintf(w, "patient %d: failed: %v\n", id, err)
			failed = append(failed, err)
			continue
		}
		printOutcome(w, results[i].Data.(analysis.Outcome))
	}
	return errors.Join(failed...)
}

func printOutcome(w io.Writer, out analysis.Outcome) {
	if !out.ShouldNotify {
		fmt.Fprintf(w, "patient %d: glucose %d within tolerance %d (attempts %d)\n",
			out.PatientID, out.Glucose.Value(), out.Threshold.Value(), out.Attempts)
		return
	}
	if out.Channel == notify.ChannelNone {
		fmt.Fprintf(w, "patient %d: glucose %d above tolerance %d, no contact channel (attempts %d)\n",
			out.PatientID, out.Glucose.Value(), out.Threshold.Value(), out.Attempts)
		return
	}
	fmt.Fprintf(w, "patient %d: glucose %d above tolerance %d, notified by %s (attempts %d)\n",
		out.PatientID, out.Glucose.Value(), out.Threshold.Value(), out.Channel, out.Attempts)
}
