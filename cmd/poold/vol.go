package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/digitalocean/go-libvirt"
	"github.com/spf13/cobra"

	"github.com/jbweber/poold/internal/imagefmt"
	"github.com/jbweber/poold/internal/loader"
	"github.com/jbweber/poold/internal/output"
	"github.com/jbweber/poold/internal/pooldef"
	"github.com/jbweber/poold/internal/storage"
)

// Volume management commands
var volCmd = &cobra.Command{
	Use:   "vol",
	Short: "Manage storage volumes",
	Long: `Manage the volumes of active storage pools.

Volumes are created from an XML or YAML definition ("kind: StorageVolume"),
or from flags. Sizes accept units such as 512, 10G or 1.5GiB.`,
}

var wipeAlgorithms = map[string]libvirt.StorageVolWipeAlgorithm{
	"zero":       libvirt.StorageVolWipeAlgZero,
	"nnsa":       libvirt.StorageVolWipeAlgNnsa,
	"dod":        libvirt.StorageVolWipeAlgDod,
	"bsi":        libvirt.StorageVolWipeAlgBsi,
	"gutmann":    libvirt.StorageVolWipeAlgGutmann,
	"schneier":   libvirt.StorageVolWipeAlgSchneier,
	"pfitzner7":  libvirt.StorageVolWipeAlgPfitzner7,
	"pfitzner33": libvirt.StorageVolWipeAlgPfitzner33,
	"random":     libvirt.StorageVolWipeAlgRandom,
	"trim":       libvirt.StorageVolWipeAlgTrim,
}

var (
	volCreateFlags struct {
		name, capacity, allocation, format string
		backing, backingFormat             string
		preallocMetadata                   bool
	}
	volCloneFlags struct {
		sourcePool, format string
		preallocMetadata   bool
	}
	volResizeFlags struct {
		delta, shrink, allocate bool
	}
	volInfoFlags struct {
		key, path string
	}
	volTransferFlags struct {
		offset, length string
		fromDir, label string
	}
	volWipeAlgorithm string
)

func init() {
	volCmd.AddCommand(volListCmd, volInfoCmd, volCreateCmd, volCloneCmd, volDeleteCmd, volResizeCmd,
		volWipeCmd, volUploadCmd, volDownloadCmd, volDumpXMLCmd, volPathCmd, volKeyCmd, volChainCmd)

	f := volCreateCmd.Flags()
	f.StringVar(&volCreateFlags.name, "name", "", "volume name (without a definition file)")
	f.StringVar(&volCreateFlags.capacity, "capacity", "", "volume capacity")
	f.StringVar(&volCreateFlags.allocation, "allocation", "", "initial allocation (default: capacity for raw)")
	f.StringVar(&volCreateFlags.format, "format", "", "image format: raw, qcow2, qed, vmdk, ...")
	f.StringVar(&volCreateFlags.backing, "backing", "", "backing image path for copy-on-write volumes")
	f.StringVar(&volCreateFlags.backingFormat, "backing-format", "", "backing image format (probed when empty)")
	f.BoolVar(&volCreateFlags.preallocMetadata, "prealloc-metadata", false, "preallocate qcow2 metadata")

	f = volCloneCmd.Flags()
	f.StringVar(&volCloneFlags.sourcePool, "source-pool", "", "pool of the source volume (default: the target pool)")
	f.StringVar(&volCloneFlags.format, "format", "", "format of the new volume (default: the source's)")
	f.BoolVar(&volCloneFlags.preallocMetadata, "prealloc-metadata", false, "preallocate qcow2 metadata")

	f = volResizeCmd.Flags()
	f.BoolVar(&volResizeFlags.delta, "delta", false, "add size to the current capacity")
	f.BoolVar(&volResizeFlags.shrink, "shrink", false, "allow shrinking")
	f.BoolVar(&volResizeFlags.allocate, "allocate", false, "allocate the new capacity up front")

	f = volInfoCmd.Flags()
	f.StringVar(&volInfoFlags.key, "key", "", "look the volume up by key")
	f.StringVar(&volInfoFlags.path, "path", "", "look the volume up by path")
	volInfoCmd.MarkFlagsMutuallyExclusive("key", "path")

	for _, c := range []*cobra.Command{volUploadCmd, volDownloadCmd} {
		c.Flags().StringVar(&volTransferFlags.offset, "offset", "", "start offset in the volume")
		c.Flags().StringVar(&volTransferFlags.length, "length", "", "bytes to transfer (default: all)")
	}
	volUploadCmd.Flags().StringVar(&volTransferFlags.fromDir, "from-dir", "", "upload an ISO 9660 image built from this directory")
	volUploadCmd.Flags().StringVar(&volTransferFlags.label, "label", "cidata", "volume label of the ISO built by --from-dir")

	names := make([]string, 0, len(wipeAlgorithms))
	for n := range wipeAlgorithms {
		names = append(names, n)
	}
	sort.Strings(names)
	volWipeCmd.Flags().StringVar(&volWipeAlgorithm, "algorithm", "zero", "wipe algorithm: "+strings.Join(names, ", "))
}

// poolStub returns a definition carrying just enough of the pool for
// volume parsing.
func poolStub(ctx context.Context, a *app, name string) (*pooldef.PoolDef, error) {
	info, err := a.drv.LookupPoolByName(ctx, name)
	if err != nil {
		return nil, err
	}
	return &pooldef.PoolDef{Name: info.Name, Type: info.Type}, nil
}

func printVol(cmd *cobra.Command, info *storage.VolumeInfo) error {
	return printWith(cmd, func(f output.Formatter) (string, error) { return f.FormatVolume(info) })
}

var volListCmd = &cobra.Command{
	Use:   "list <pool>",
	Short: "List the volumes of a pool",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			vols, err := a.drv.ListVolumes(ctx, args[0])
			if err != nil {
				return err
			}
			return printWith(cmd, func(f output.Formatter) (string, error) { return f.FormatVolumeList(vols) })
		})
	},
}

var volInfoCmd = &cobra.Command{
	Use:   "info {<pool> <vol> | --key <key> | --path <path>}",
	Short: "Show details of a volume",
	Args: func(cmd *cobra.Command, args []string) error {
		if volInfoFlags.key != "" || volInfoFlags.path != "" {
			return cobra.NoArgs(cmd, args)
		}
		return cobra.ExactArgs(2)(cmd, args)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			var (
				info *storage.VolumeInfo
				err  error
			)
			switch {
			case volInfoFlags.key != "":
				info, err = a.drv.LookupVolByKey(ctx, volInfoFlags.key)
			case volInfoFlags.path != "":
				info, err = a.drv.LookupVolByPath(ctx, volInfoFlags.path)
			default:
				info, err = a.drv.GetVolInfo(ctx, args[0], args[1])
			}
			if err != nil {
				return err
			}
			return printVol(cmd, info)
		})
	},
}

func volFromFlags(pool *pooldef.PoolDef) (*pooldef.VolDef, error) {
	fl := volCreateFlags
	if fl.name == "" || fl.capacity == "" {
		return nil, fmt.Errorf("--name and --capacity are required without a definition file")
	}
	vol := &pooldef.VolDef{Name: fl.name}
	vol.Target.Format = fl.format

	var err error
	if vol.Target.Capacity, err = loader.ParseSize(fl.capacity); err != nil {
		return nil, fmt.Errorf("invalid --capacity: %w", err)
	}
	vol.Target.Allocation = vol.Target.Capacity
	if fl.allocation != "" {
		if vol.Target.Allocation, err = loader.ParseSize(fl.allocation); err != nil {
			return nil, fmt.Errorf("invalid --allocation: %w", err)
		}
	}
	if fl.backing != "" {
		vol.Backing = &pooldef.BackingStore{Path: fl.backing, Format: fl.backingFormat}
	}
	if err := vol.Normalize(pool); err != nil {
		return nil, err
	}
	return vol, nil
}

var volCreateCmd = &cobra.Command{
	Use:   "create <pool> [file]",
	Short: "Create a volume",
	Long: `Create a volume from a definition file, or from --name and --capacity.

Examples:
  poold vol create images disk0.yaml
  poold vol create images --name disk0.qcow2 --format qcow2 --capacity 20GiB
  poold vol create images --name vm1.qcow2 --format qcow2 --capacity 0 \
      --backing /var/lib/poold/images/base.qcow2`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var flags libvirt.StorageVolCreateFlags
		if volCreateFlags.preallocMetadata {
			flags |= libvirt.StorageVolCreatePreallocMetadata
		}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			pool, err := poolStub(ctx, a, args[0])
			if err != nil {
				return err
			}
			var vol *pooldef.VolDef
			if len(args) == 2 {
				vol, err = loader.LoadVolFile(args[1], pool, pooldef.VolParseOptions{})
			} else {
				vol, err = volFromFlags(pool)
			}
			if err != nil {
				return err
			}

			info, err := a.drv.CreateVol(ctx, args[0], vol, flags)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Vol %s created in pool %s\n", info.Name, info.Pool)
			return nil
		})
	},
}

var volCloneCmd = &cobra.Command{
	Use:   "clone <pool> <source-vol> <new-name>",
	Short: "Create a volume as a copy of another",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		srcPool := volCloneFlags.sourcePool
		if srcPool == "" {
			srcPool = args[0]
		}
		var flags libvirt.StorageVolCreateFlags
		if volCloneFlags.preallocMetadata {
			flags |= libvirt.StorageVolCreatePreallocMetadata
		}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			pool, err := poolStub(ctx, a, args[0])
			if err != nil {
				return err
			}
			src, err := a.drv.GetVolInfo(ctx, srcPool, args[1])
			if err != nil {
				return err
			}

			vol := &pooldef.VolDef{Name: args[2]}
			vol.Target.Format = volCloneFlags.format
			if vol.Target.Format == "" {
				vol.Target.Format = src.Format
			}
			if err := vol.Normalize(pool); err != nil {
				return err
			}

			info, err := a.drv.CreateVolFrom(ctx, args[0], vol, srcPool, args[1], flags)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Vol %s cloned from %s/%s\n", info.Name, srcPool, args[1])
			return nil
		})
	},
}

// volNameCmd builds a command that takes a pool and volume name.
func volNameCmd(use, short string, run func(ctx context.Context, cmd *cobra.Command, a *app, pool, vol string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <pool> <vol>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				return run(ctx, cmd, a, args[0], args[1])
			})
		},
	}
}

var volDeleteCmd = volNameCmd("delete", "Delete a volume",
	func(ctx context.Context, cmd *cobra.Command, a *app, pool, vol string) error {
		if err := a.drv.DeleteVol(ctx, pool, vol, 0); err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "Vol %s deleted\n", vol)
		return nil
	})

var volWipeCmd = volNameCmd("wipe", "Overwrite a volume's data",
	func(ctx context.Context, cmd *cobra.Command, a *app, pool, vol string) error {
		alg, ok := wipeAlgorithms[volWipeAlgorithm]
		if !ok {
			return fmt.Errorf("unknown wipe algorithm %q", volWipeAlgorithm)
		}
		var err error
		if alg == libvirt.StorageVolWipeAlgZero {
			err = a.drv.WipeVol(ctx, pool, vol)
		} else {
			err = a.drv.WipeVolPattern(ctx, pool, vol, alg)
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "Vol %s wiped\n", vol)
		return nil
	})

var volDumpXMLCmd = volNameCmd("dumpxml", "Print a volume's XML description",
	func(ctx context.Context, cmd *cobra.Command, a *app, pool, vol string) error {
		doc, err := a.drv.GetVolXML(ctx, pool, vol)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), doc)
		return nil
	})

var volPathCmd = volNameCmd("path", "Print a volume's path",
	func(ctx context.Context, cmd *cobra.Command, a *app, pool, vol string) error {
		path, err := a.drv.GetVolPath(ctx, pool, vol)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), path)
		return nil
	})

var volKeyCmd = volNameCmd("key", "Print a volume's key",
	func(ctx context.Context, cmd *cobra.Command, a *app, pool, vol string) error {
		info, err := a.drv.LookupVolByName(ctx, pool, vol)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), info.Key)
		return nil
	})

var volChainCmd = volNameCmd("chain", "Show a volume's backing chain",
	func(ctx context.Context, cmd *cobra.Command, a *app, pool, vol string) error {
		chain, err := a.drv.VolBackingChain(ctx, pool, vol)
		if err != nil {
			return err
		}
		return printWith(cmd, func(f output.Formatter) (string, error) { return f.FormatChain(chain) })
	})

var volResizeCmd = &cobra.Command{
	Use:   "resize <pool> <vol> <size>",
	Short: "Change a volume's capacity",
	Long: `Change a volume's capacity. A size starting with "+" is added to the
current capacity, as with --delta. Shrinking needs --shrink.`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		var flags libvirt.StorageVolResizeFlags
		sizeArg := args[2]
		if strings.HasPrefix(sizeArg, "+") {
			sizeArg = sizeArg[1:]
			flags |= libvirt.StorageVolResizeDelta
		}
		size, err := loader.ParseSize(sizeArg)
		if err != nil {
			return fmt.Errorf("invalid size %q: %w", args[2], err)
		}
		if volResizeFlags.delta {
			flags |= libvirt.StorageVolResizeDelta
		}
		if volResizeFlags.shrink {
			flags |= libvirt.StorageVolResizeShrink
		}
		if volResizeFlags.allocate {
			flags |= libvirt.StorageVolResizeAllocate
		}

		return withApp(cmd, func(ctx context.Context, a *app) error {
			if err := a.drv.ResizeVol(ctx, args[0], args[1], size, flags); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Vol %s resized\n", args[1])
			return nil
		})
	},
}

func transferRange() (offset, length uint64, err error) {
	if offset, err = loader.ParseSize(volTransferFlags.offset); err != nil {
		return 0, 0, fmt.Errorf("invalid --offset: %w", err)
	}
	if length, err = loader.ParseSize(volTransferFlags.length); err != nil {
		return 0, 0, fmt.Errorf("invalid --length: %w", err)
	}
	return offset, length, nil
}

// isoFromDir writes an ISO 9660 image of dir to a temporary file, which the
// caller removes.
func isoFromDir(dir, label string) (*os.File, error) {
	f, err := os.CreateTemp("", "poold-upload-*.iso")
	if err != nil {
		return nil, fmt.Errorf("failed to create temporary file: %w", err)
	}
	if err := imagefmt.WriteISO(f, dir, label); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return nil, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return nil, fmt.Errorf("failed to rewind %s: %w", f.Name(), err)
	}
	return f, nil
}

// checkUploadFormat warns when a file's content does not match the format of
// the volume it is uploaded into.
func checkUploadFormat(a *app, f *os.File, info *storage.VolumeInfo) error {
	header, err := imagefmt.ReadHeader(f)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", f.Name(), err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to rewind %s: %w", f.Name(), err)
	}

	got := imagefmt.Probe(header)
	want := imagefmt.Format(info.Format)
	if want == imagefmt.FormatNone {
		want = imagefmt.FormatRaw
	}
	if got != want && !(want == imagefmt.FormatRaw && got == imagefmt.FormatISO) {
		a.log.Info("upload content does not match volume format", "vol", info.Name, "format", string(want), "content", string(got))
	}
	if got == imagefmt.FormatRaw && imagefmt.IsBootable(header) {
		a.log.V(1).Info("uploading a bootable disk image", "vol", info.Name)
	}
	return nil
}

var volUploadCmd = &cobra.Command{
	Use:   "upload <pool> <vol> {<file> | - | --from-dir <dir>}",
	Short: "Write data into a volume",
	Long: `Write a file, standard input ("-"), or an ISO 9660 image built from a
directory (--from-dir) into a volume.`,
	Args: func(cmd *cobra.Command, args []string) error {
		if volTransferFlags.fromDir != "" {
			return cobra.ExactArgs(2)(cmd, args)
		}
		return cobra.ExactArgs(3)(cmd, args)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		offset, length, err := transferRange()
		if err != nil {
			return err
		}

		var (
			r    io.Reader
			file *os.File
		)
		switch {
		case volTransferFlags.fromDir != "":
			if file, err = isoFromDir(volTransferFlags.fromDir, volTransferFlags.label); err != nil {
				return err
			}
			defer func() { _ = os.Remove(file.Name()) }()
		case args[2] == "-":
			r = cmd.InOrStdin()
		default:
			if file, err = os.Open(args[2]); err != nil {
				return fmt.Errorf("failed to open %s: %w", args[2], err)
			}
		}
		if file != nil {
			defer func() { _ = file.Close() }()
			r = file
		}

		return withApp(cmd, func(ctx context.Context, a *app) error {
			if file != nil && offset == 0 {
				info, err := a.drv.GetVolInfo(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				if err := checkUploadFormat(a, file, info); err != nil {
					return err
				}
			}
			if err := a.drv.UploadVol(ctx, args[0], args[1], r, offset, length); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Vol %s uploaded\n", args[1])
			return nil
		})
	},
}

var volDownloadCmd = &cobra.Command{
	Use:   "download <pool> <vol> {<file> | -}",
	Short: "Read data out of a volume",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		offset, length, err := transferRange()
		if err != nil {
			return err
		}

		return withApp(cmd, func(ctx context.Context, a *app) error {
			if args[2] == "-" {
				return a.drv.DownloadVol(ctx, args[0], args[1], cmd.OutOrStdout(), offset, length)
			}

			f, err := os.OpenFile(args[2], os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
			if err != nil {
				return fmt.Errorf("failed to create %s: %w", args[2], err)
			}
			if err := a.drv.DownloadVol(ctx, args[0], args[1], f, offset, length); err != nil {
				_ = f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return fmt.Errorf("failed to close %s: %w", args[2], err)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Vol %s downloaded to %s\n", args[1], args[2])
			return nil
		})
	},
}
