package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"gridharvest/internal/manifest"
)

func newExportCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export <name>",
		Short: "Write a Metalink download manifest for a harvested search",
		Long: `Write a Metalink download manifest for a harvested search.

The manifest lists every file selected by the search with its size,
checksum and one URL per download service. It is written to
<home>/manifests/<name>.meta4 unless --file is given; "--file -" writes to
stdout.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			file, _ := cmd.Flags().GetString("file")
			dataset, _ := cmd.Flags().GetString("dataset")
			return e.run(cmd, false, func(ctx context.Context, a *app) error {
				s, err := a.mgr.Search(args[0])
				if err != nil {
					return err
				}
				generator := "gridharvest/" + a.version
				if id, err := a.home.InstanceID(); err == nil {
					generator += " (" + id + ")"
				}
				exp := manifest.NewExporter(generator, a.logger)

				var ml *manifest.Metalink
				if dataset != "" {
					ds, err := s.GetDataset(dataset)
					if err != nil {
						return err
					}
					ids, err := s.GetFilesToDownload(dataset)
					if err != nil {
						return err
					}
					ml, err = exp.ExportDataset(ds, ids)
					if err != nil {
						return err
					}
				} else if ml, err = exp.ExportSession(s); err != nil {
					return err
				}

				if file == "-" {
					return manifest.Write(cmd.OutOrStdout(), ml)
				}
				if file == "" {
					file = filepath.Join(a.home.ManifestDir(), s.Name()+".meta4")
				}
				if err := writeFile(file, func(w io.Writer) error { return manifest.Write(w, ml) }); err != nil {
					return err
				}
				newPrinter(outputFormat(cmd), cmd.OutOrStdout()).line("wrote %d files to %s", len(ml.Files), file)
				return nil
			})
		},
	}
	cmd.Flags().String("file", "", `output path, or "-" for stdout`)
	cmd.Flags().String("dataset", "", "export only this dataset")
	return cmd
}

// writeFile writes through a temp file and renames it into place.
func writeFile(path string, write func(io.Writer) error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	err = write(f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}
