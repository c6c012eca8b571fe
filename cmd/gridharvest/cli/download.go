package cli

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"gridharvest/internal/download"
	"gridharvest/internal/record"
	"gridharvest/internal/transport/memory"
)

func newDownloadCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "download <name>",
		Short: "Download the files selected by a harvested search",
		Long: `Download the files selected by a harvested search.

Sources are tried in service preference order, master replicas first, and
each file is checked against its published size and checksum. Only
HTTPServer sources can be fetched directly; other services are skipped.
Ctrl-C pauses the remaining downloads.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.run(cmd, false, func(ctx context.Context, a *app) error {
				s, err := a.mgr.Search(args[0])
				if err != nil {
					return err
				}
				cfg, err := downloadConfig(cmd, a)
				if err != nil {
					return err
				}
				c, err := download.New(cfg)
				if err != nil {
					return err
				}

				p := newPrinter(outputFormat(cmd), cmd.OutOrStdout())
				if !p.isJSON() {
					remove := c.AddObserver(download.ObserverFunc(func(f download.File) {
						if f.Status.Terminal() {
							p.line("%s %s", f.Status, f.Name)
						}
					}))
					defer remove()
				}

				n, err := c.EnqueueSession(ctx, s)
				if err != nil {
					return err
				}
				if n == 0 {
					p.line("%s: nothing to download", s.Name())
					return nil
				}
				if err := c.Wait(ctx); err != nil && ctx.Err() != nil {
					p.line("paused %d downloads", c.PauseAll())
				} else if err != nil {
					return err
				}
				return printDownloads(p, c.Files())
			})
		},
	}
	cmd.Flags().String("dir", "", "download directory (default from config, then <home>/downloads)")
	cmd.Flags().StringArray("include", nil, "only download files matching this glob, repeatable")
	cmd.Flags().StringArray("exclude", nil, "skip files matching this glob, repeatable")
	cmd.Flags().StringSlice("service", nil, "service preference order (e.g. HTTPServer,GridFTP)")
	return cmd
}

// downloadConfig merges config file settings with command flags.
func downloadConfig(cmd *cobra.Command, a *app) (download.Config, error) {
	dc := a.cfg.Download
	flags := cmd.Flags()
	if v, _ := flags.GetString("dir"); v != "" {
		dc.Dir = v
	}
	if flags.Changed("include") {
		dc.Include, _ = flags.GetStringArray("include")
	}
	if flags.Changed("exclude") {
		dc.Exclude, _ = flags.GetStringArray("exclude")
	}
	if flags.Changed("service") {
		dc.Services, _ = flags.GetStringSlice("service")
	}
	if dc.Dir == "" {
		dc.Dir = a.home.DownloadDir()
	}

	var services []record.Service
	for _, name := range dc.Services {
		svc, ok := record.ParseService(name)
		if !ok {
			return download.Config{}, fmt.Errorf("unknown service %q", name)
		}
		services = append(services, svc)
	}

	var fetcher download.Fetcher
	if demo, _ := flags.GetBool("demo"); demo {
		fetcher = demoFetcher{}
	} else {
		fetcher = download.NewHTTPFetcher(download.HTTPFetcherConfig{
			UserAgent: "gridharvest/" + a.version,
			Token:     dc.Token,
			Logger:    a.logger,
		})
	}

	return download.Config{
		Dir:      dc.Dir,
		Fetcher:  fetcher,
		Pool:     a.pool,
		Services: services,
		Include:  dc.Include,
		Exclude:  dc.Exclude,
		Logger:   a.logger,
	}, nil
}

// demoFetcher serves zero-filled files for the built-in demo grid.
type demoFetcher struct{}

func (demoFetcher) Fetch(ctx context.Context, svc record.Service, url string, dst io.Writer) (int64, error) {
	if svc != record.ServiceHTTPServer {
		return 0, fmt.Errorf("%w: %s", download.ErrUnsupportedService, svc)
	}
	return io.CopyN(dst, zeroReader{}, memory.DemoFileSize)
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	clear(p)
	return len(p), nil
}

func printDownloads(p *printer, files []download.File) error {
	if p.isJSON() {
		return p.json(files)
	}
	var rows [][]string
	for _, f := range files {
		svc := "-"
		if f.URL != "" {
			svc = f.Service.String()
		}
		rows = append(rows, []string{
			f.Name, f.Status.String(), strconv.FormatInt(f.Written, 10),
			svc, f.Path, f.Error,
		})
	}
	p.table([]string{"FILE", "STATUS", "BYTES", "SERVICE", "PATH", "ERROR"}, rows)
	return nil
}
