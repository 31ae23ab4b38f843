package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"goa.design/clue/log"

	worker "github.com/cryguy/openworker"
)

var (
	cron    string
	payload string
	attempt int
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the worker's scheduled handler once",
	Long: `Run the worker's scheduled handler once and wait for its waitUntil work.

Examples:
  openworker run -s app.js --cron "*/5 * * * *"
  openworker run -s app.js --payload '{"job": 42}' --attempt 2`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := logContext(cmd.Context())
		if cron != "" {
			if _, err := worker.ParseCron(cron); err != nil {
				return err
			}
		}
		src, cfg, err := load()
		if err != nil {
			return err
		}
		w, err := worker.New(ctx, src, cfg)
		if err != nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "starting worker"})
			return err
		}
		defer w.Close()

		ev := worker.NewTaskEvent(worker.TaskInit{
			ScheduledTime: time.Now(),
			Cron:          cron,
			Payload:       payload,
			Attempt:       attempt,
		})
		term, err := w.Exec(ctx, ev)
		log.Info(ctx, log.KV{K: "msg", V: "task finished"}, log.KV{K: "event", V: ev.ID}, log.KV{K: "termination", V: term.String()})
		if err != nil {
			return fmt.Errorf("task %s: %w", ev.ID, err)
		}
		return nil
	},
}

func init() {
	runCmd.Flags().StringVar(&cron, "cron", "", "cron expression passed as event.cron")
	runCmd.Flags().StringVar(&payload, "payload", "", "payload passed as event.payload")
	runCmd.Flags().IntVar(&attempt, "attempt", 1, "attempt number")
}
