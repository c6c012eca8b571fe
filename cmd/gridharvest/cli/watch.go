package cli

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"gridharvest/internal/session"
)

// saveJobName is the cron job that checkpoints state while watching.
const saveJobName = "save-state"

func newWatchCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Keep harvesting in the foreground, retrying failures on a schedule",
		Long: `Keep harvesting in the foreground, retrying failures on a schedule.

Paused searches are resumed, failed datasets are retried on the retry
schedule (--cron, default from config) and the state is checkpointed on
the save schedule. Runs until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.run(cmd, true, func(ctx context.Context, a *app) error {
				retryCron := a.cfg.RetryCron
				if cmd.Flags().Changed("cron") {
					retryCron, _ = cmd.Flags().GetString("cron")
				}
				saveCron, _ := cmd.Flags().GetString("save-cron")
				if retryCron == "" {
					return errors.New("no retry schedule: set retryCron in the config or pass --cron")
				}

				p := newPrinter(outputFormat(cmd), cmd.OutOrStdout())
				for _, s := range a.mgr.Searches() {
					stop := followSession(p, s)
					defer stop()
					if s.Status() == session.StatusPaused {
						if err := s.Resume(); err != nil {
							return err
						}
						p.line("%s: resumed", s.Name())
					}
				}

				if err := a.mgr.ScheduleRetries(retryCron); err != nil {
					return err
				}
				if saveCron != "" {
					err := a.cron.AddJob(saveJobName, saveCron, func() {
						if err := a.mgr.Save(context.WithoutCancel(ctx), a.state); err != nil {
							a.logger.Error("checkpoint state", "error", err)
						}
					})
					if err != nil {
						return err
					}
				}
				a.cron.Start()
				p.line("watching %d searches, retrying on %q", len(a.mgr.Searches()), retryCron)

				<-ctx.Done()
				for _, s := range a.mgr.Searches() {
					if err := s.Pause(); err != nil && !errors.Is(err, session.ErrNotHarvesting) {
						a.logger.Warn("pause on exit", "name", s.Name(), "error", err)
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().String("cron", "", "retry schedule (cron syntax)")
	cmd.Flags().String("save-cron", "* * * * *", "state checkpoint schedule (cron syntax), empty to disable")
	return cmd
}
