package cli

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"gridharvest/internal/session"
)

func newSaveCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "save [name]",
		Short: "Save the live search; a name is generated when omitted",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := ""
			if len(args) == 1 {
				name = args[0]
			}
			return e.run(cmd, true, func(ctx context.Context, a *app) error {
				s, err := a.mgr.SaveSearch(name)
				if err != nil {
					return err
				}
				p := newPrinter(outputFormat(cmd), cmd.OutOrStdout())
				if p.isJSON() {
					return p.json(searchInfo(s))
				}
				p.line("saved search %s (%s)", s.Name(), s.ID())
				return nil
			})
		},
	}
}

// searchSummary is the JSON view of a saved search.
type searchSummary struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Status     string    `json:"status"`
	Type       string    `json:"harvestType"`
	Processed  int       `json:"processed"`
	Total      int       `json:"total"`
	Created    time.Time `json:"created"`
	Descriptor string    `json:"descriptor"`
	Error      string    `json:"error,omitempty"`
}

func searchInfo(s *session.Session) searchSummary {
	processed, total := s.Progress()
	out := searchSummary{
		ID:         s.ID(),
		Name:       s.Name(),
		Status:     s.Status().String(),
		Type:       s.HarvestType().String(),
		Processed:  processed,
		Total:      total,
		Created:    s.Created(),
		Descriptor: s.Descriptor().Canonical(),
	}
	if err := s.Err(); err != nil {
		out.Error = err.Error()
	}
	return out
}

func newListCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List saved searches",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.run(cmd, false, func(ctx context.Context, a *app) error {
				p := newPrinter(outputFormat(cmd), cmd.OutOrStdout())
				var infos []searchSummary
				for _, s := range a.mgr.Searches() {
					infos = append(infos, searchInfo(s))
				}
				if p.isJSON() {
					return p.json(infos)
				}
				var rows [][]string
				for _, s := range infos {
					rows = append(rows, []string{
						s.Name, s.Status, s.Type,
						progress(s.Processed, s.Total),
						formatTime(s.Created),
					})
				}
				p.table([]string{"NAME", "STATUS", "TYPE", "PROGRESS", "CREATED"}, rows)
				return nil
			})
		},
	}
}

func newShowCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "show <name>",
		Short: "Show a saved search and the state of its datasets",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.run(cmd, false, func(ctx context.Context, a *app) error {
				s, err := a.mgr.Search(args[0])
				if err != nil {
					return err
				}
				p := newPrinter(outputFormat(cmd), cmd.OutOrStdout())
				info := searchInfo(s)
				datasets := s.Datasets()
				if p.isJSON() {
					return p.json(struct {
						searchSummary
						Datasets []session.DatasetInfo `json:"datasets"`
					}{info, datasets})
				}
				pairs := [][2]string{
					{"Name", info.Name},
					{"ID", info.ID},
					{"Status", info.Status},
					{"Harvest type", info.Type},
					{"Progress", progress(info.Processed, info.Total)},
					{"Created", formatTime(info.Created)},
					{"Search", info.Descriptor},
				}
				if info.Error != "" {
					pairs = append(pairs, [2]string{"Error", info.Error})
				}
				p.kv(pairs)
				if len(datasets) == 0 {
					return nil
				}
				p.line("")
				var rows [][]string
				for _, d := range datasets {
					rows = append(rows, []string{d.ID, d.Status.String(), strconv.Itoa(d.Files), d.Error})
				}
				p.table([]string{"DATASET", "STATUS", "FILES", "ERROR"}, rows)
				return nil
			})
		},
	}
}

func newRenameCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "rename <name> <new-name>",
		Short: "Rename a saved search",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.run(cmd, true, func(ctx context.Context, a *app) error {
				return a.mgr.RenameSearch(args[0], args[1])
			})
		},
	}
}

func newRemoveCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:     "remove <name>",
		Aliases: []string{"rm"},
		Short:   "Remove a saved search",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.run(cmd, true, func(ctx context.Context, a *app) error {
				return a.mgr.RemoveSearch(args[0])
			})
		},
	}
}

func newHarvestCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "harvest <name>",
		Short: "Harvest the datasets of a saved search",
		Long: `Harvest the datasets of a saved search.

A partial harvest collects what downloads need (identifiers, sizes,
checksums, replica topology and access URLs). --complete collects every
metadata field. A paused harvest resumes where it stopped. Ctrl-C pauses
the harvest and saves its progress.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			complete, _ := cmd.Flags().GetBool("complete")
			return e.run(cmd, true, func(ctx context.Context, a *app) error {
				s, err := a.mgr.Search(args[0])
				if err != nil {
					return err
				}
				p := newPrinter(outputFormat(cmd), cmd.OutOrStdout())
				stop := followSession(p, s)
				defer stop()

				switch {
				case s.Status() == session.StatusPaused:
					err = s.Resume()
				case complete:
					err = s.StartCompleteHarvesting(ctx)
				default:
					err = s.StartPartialHarvesting(ctx)
				}
				if errors.Is(err, session.ErrAlreadyHarvested) {
					p.line("%s: %v", s.Name(), err)
					return nil
				}
				if err != nil {
					return err
				}
				return waitSession(ctx, p, s)
			})
		},
	}
	cmd.Flags().Bool("complete", false, "harvest every metadata field")
	return cmd
}

func newRetryCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <name> [dataset]",
		Short: "Retry failed datasets of a saved search",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.run(cmd, true, func(ctx context.Context, a *app) error {
				s, err := a.mgr.Search(args[0])
				if err != nil {
					return err
				}
				p := newPrinter(outputFormat(cmd), cmd.OutOrStdout())
				stop := followSession(p, s)
				defer stop()

				if len(args) == 2 {
					if err := s.RetryDataset(args[1]); err != nil {
						return err
					}
				} else {
					n, err := s.RetryFailedDatasets()
					if err != nil {
						return err
					}
					if n == 0 {
						p.line("%s: no failed datasets", s.Name())
						return nil
					}
				}
				return waitSession(ctx, p, s)
			})
		},
	}
}

func newResetCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "reset <name> [dataset]",
		Short: "Forget harvest progress of a saved search or one of its datasets",
		Long: `Forget harvest progress of a saved search or one of its datasets.

Resetting a dataset drops its cached metadata and harvests it again.
Resetting a whole search returns it to CREATED; run harvest afterwards.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.run(cmd, true, func(ctx context.Context, a *app) error {
				s, err := a.mgr.Search(args[0])
				if err != nil {
					return err
				}
				if len(args) == 1 {
					s.Reset()
					return nil
				}
				p := newPrinter(outputFormat(cmd), cmd.OutOrStdout())
				stop := followSession(p, s)
				defer stop()
				if err := s.ResetDataset(args[1]); err != nil {
					return err
				}
				return waitSession(ctx, p, s)
			})
		},
	}
}

// followSession prints dataset events of s until the returned function is
// called. JSON output prints nothing while running.
func followSession(p *printer, s *session.Session) (stop func()) {
	if p.isJSON() {
		return func() {}
	}
	return s.AddObserver(session.ObserverFunc(func(ev session.Event) {
		if ev.DatasetID == "" {
			return
		}
		p.line("[%s] %s %s", progress(ev.Processed, ev.Total), ev.DatasetID, ev.Status)
	}))
}

// waitSession blocks until s stops harvesting. An interrupt pauses s so the
// saved state can resume it.
func waitSession(ctx context.Context, p *printer, s *session.Session) error {
	err := s.Wait(ctx)
	if err != nil && ctx.Err() != nil {
		if perr := s.Pause(); perr != nil && !errors.Is(perr, session.ErrNotHarvesting) {
			return perr
		}
		processed, total := s.Progress()
		p.line("%s: paused at %s", s.Name(), progress(processed, total))
		return nil
	}
	if err != nil {
		return err
	}
	if p.isJSON() {
		return p.json(searchInfo(s))
	}
	processed, total := s.Progress()
	p.line("%s: %s %s", s.Name(), s.Status(), progress(processed, total))
	if s.Status() == session.StatusFailed {
		if err := s.Err(); err != nil {
			return fmt.Errorf("harvest of %s failed: %w", s.Name(), err)
		}
		return fmt.Errorf("harvest of %s failed", s.Name())
	}
	return nil
}
