package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jbweber/poold/internal/libvirt"
	"github.com/jbweber/poold/internal/pooldef"
)

var importFlags struct {
	socket    string
	types     []string
	exportDir string
	dryRun    bool
}

func init() {
	f := importCmd.Flags()
	f.StringVar(&importFlags.socket, "socket", "", "libvirtd socket (overrides config)")
	f.StringSliceVar(&importFlags.types, "type", nil, "pool types to import (default dir,scsi)")
	f.StringVar(&importFlags.exportDir, "export-dir", "", "also write each definition to <dir>/<name>.xml")
	f.BoolVar(&importFlags.dryRun, "dry-run", false, "do not define anything")
}

var importCmd = &cobra.Command{
	Use:   "import [pool...]",
	Short: "Import pool definitions from libvirtd",
	Long: `Connect to a running libvirtd and define its persistent dir and scsi pools
locally. Pools that already exist here are skipped. The autostart flag is
carried over.

Example:
  poold import --dry-run --export-dir /tmp/pools`,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := libvirt.ImportOptions{
			Names:     args,
			ExportDir: importFlags.exportDir,
			DryRun:    importFlags.dryRun,
		}
		for _, t := range importFlags.types {
			typ := pooldef.PoolType(t)
			if !typ.Valid() {
				return fmt.Errorf("unknown pool type %q", t)
			}
			opts.Types = append(opts.Types, typ)
		}
		if opts.ExportDir != "" {
			if err := os.MkdirAll(opts.ExportDir, 0o755); err != nil {
				return fmt.Errorf("failed to create %s: %w", opts.ExportDir, err)
			}
		}

		return withApp(cmd, func(ctx context.Context, a *app) error {
			socket := a.cfg.LibvirtSocket
			if importFlags.socket != "" {
				socket = importFlags.socket
			}
			client, err := libvirt.Connect(ctx, socket, 0)
			if err != nil {
				return err
			}
			defer func() {
				if closeErr := client.Close(); closeErr != nil {
					fmt.Fprintf(os.Stderr, "Warning: failed to close libvirt connection: %v\n", closeErr)
				}
			}()

			opts.Log = a.log.WithName("import")
			results, err := libvirt.ImportPools(ctx, client.Libvirt(), a.drv, opts)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tTYPE\tACTION\tAUTOSTART\tREASON")
			failed := 0
			for _, r := range results {
				if r.Action == libvirt.ImportFailed {
					failed++
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\n", r.Name, r.Type, r.Action, r.Autostart, r.Reason)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d pools failed to import", failed, len(results))
			}
			return nil
		})
	},
}
