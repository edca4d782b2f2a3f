package main

import (
	"context"
	"fmt"
	"os"

	"github.com/digitalocean/go-libvirt"
	"github.com/spf13/cobra"

	"github.com/jbweber/poold/internal/loader"
	"github.com/jbweber/poold/internal/output"
	"github.com/jbweber/poold/internal/pooldef"
	"github.com/jbweber/poold/internal/storage"
)

// Pool management commands
var poolCmd = &cobra.Command{
	Use:   "pool",
	Short: "Manage storage pools",
	Long: `Manage storage pools.

A pool is defined (persistent, kept in the config directory) or created
(transient, gone once destroyed). Definitions are libvirt <pool> XML or YAML
with "kind: StoragePool".`,
}

var (
	poolListFlags struct {
		active, inactive, persistent, transient, autostart, noAutostart bool
	}
	poolBuildFlags struct {
		build, overwrite, noOverwrite bool
	}
	poolInfoUUID         bool
	poolInfoVolume       bool
	poolDumpXMLInactive  bool
	poolAutostartDisable bool
	poolDeleteZeroed     bool
)

func init() {
	poolCmd.AddCommand(poolListCmd, poolInfoCmd, poolDefineCmd, poolCreateCmd, poolStartCmd,
		poolDestroyCmd, poolDeleteCmd, poolUndefineCmd, poolBuildCmd, poolRefreshCmd,
		poolDumpXMLCmd, poolAutostartCmd, poolSourcesCmd)

	f := poolListCmd.Flags()
	f.BoolVar(&poolListFlags.active, "active", false, "list only active pools")
	f.BoolVar(&poolListFlags.inactive, "inactive", false, "list only inactive pools")
	f.BoolVar(&poolListFlags.persistent, "persistent", false, "list only persistent pools")
	f.BoolVar(&poolListFlags.transient, "transient", false, "list only transient pools")
	f.BoolVar(&poolListFlags.autostart, "autostart", false, "list only pools marked for autostart")
	f.BoolVar(&poolListFlags.noAutostart, "no-autostart", false, "list only pools not marked for autostart")

	poolInfoCmd.Flags().BoolVar(&poolInfoUUID, "uuid", false, "look the pool up by UUID")
	poolInfoCmd.Flags().BoolVar(&poolInfoVolume, "volume", false, "look the pool up by the key of one of its volumes")
	poolInfoCmd.MarkFlagsMutuallyExclusive("uuid", "volume")

	for _, c := range []*cobra.Command{poolCreateCmd, poolStartCmd} {
		c.Flags().BoolVar(&poolBuildFlags.build, "build", false, "build the pool before starting it")
		c.Flags().BoolVar(&poolBuildFlags.overwrite, "overwrite", false, "build, overwriting existing data")
		c.Flags().BoolVar(&poolBuildFlags.noOverwrite, "no-overwrite", false, "build, refusing to overwrite existing data")
		c.MarkFlagsMutuallyExclusive("overwrite", "no-overwrite")
	}
	poolBuildCmd.Flags().BoolVar(&poolBuildFlags.overwrite, "overwrite", false, "overwrite existing data")
	poolBuildCmd.Flags().BoolVar(&poolBuildFlags.noOverwrite, "no-overwrite", false, "refuse to overwrite existing data")
	poolBuildCmd.MarkFlagsMutuallyExclusive("overwrite", "no-overwrite")

	poolDumpXMLCmd.Flags().BoolVar(&poolDumpXMLInactive, "inactive", false, "show the definition used at next start")
	poolAutostartCmd.Flags().BoolVar(&poolAutostartDisable, "disable", false, "stop autostarting the pool")
	poolDeleteCmd.Flags().BoolVar(&poolDeleteZeroed, "zeroed", false, "zero the storage before deleting it")
}

func listFlags() libvirt.ConnectListAllStoragePoolsFlags {
	var flags libvirt.ConnectListAllStoragePoolsFlags
	set := func(on bool, f libvirt.ConnectListAllStoragePoolsFlags) {
		if on {
			flags |= f
		}
	}
	set(poolListFlags.active, libvirt.ConnectListStoragePoolsActive)
	set(poolListFlags.inactive, libvirt.ConnectListStoragePoolsInactive)
	set(poolListFlags.persistent, libvirt.ConnectListStoragePoolsPersistent)
	set(poolListFlags.transient, libvirt.ConnectListStoragePoolsTransient)
	set(poolListFlags.autostart, libvirt.ConnectListStoragePoolsAutostart)
	set(poolListFlags.noAutostart, libvirt.ConnectListStoragePoolsNoAutostart)
	return flags
}

func createFlags() libvirt.StoragePoolCreateFlags {
	switch {
	case poolBuildFlags.overwrite:
		return libvirt.StoragePoolCreateWithBuildOverwrite
	case poolBuildFlags.noOverwrite:
		return libvirt.StoragePoolCreateWithBuildNoOverwrite
	case poolBuildFlags.build:
		return libvirt.StoragePoolCreateWithBuild
	}
	return 0
}

func buildFlags() libvirt.StoragePoolBuildFlags {
	switch {
	case poolBuildFlags.overwrite:
		return libvirt.StoragePoolBuildOverwrite
	case poolBuildFlags.noOverwrite:
		return libvirt.StoragePoolBuildNoOverwrite
	}
	return libvirt.StoragePoolBuildNew
}

func printPool(cmd *cobra.Command, info *storage.PoolInfo) error {
	return printWith(cmd, func(f output.Formatter) (string, error) { return f.FormatPool(info) })
}

var poolListCmd = &cobra.Command{
	Use:   "list",
	Short: "List storage pools",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			pools := a.drv.ListPools(ctx, listFlags())
			return printWith(cmd, func(f output.Formatter) (string, error) { return f.FormatPoolList(pools) })
		})
	},
}

var poolInfoCmd = &cobra.Command{
	Use:   "info <name>",
	Short: "Show details of a pool",
	Long: `Show details of a pool, looked up by name, by UUID (--uuid) or by the key
of a volume it holds (--volume).`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			var (
				info *storage.PoolInfo
				err  error
			)
			switch {
			case poolInfoUUID:
				info, err = a.drv.LookupPoolByUUID(ctx, args[0])
			case poolInfoVolume:
				info, err = a.drv.LookupPoolByVolume(ctx, args[0])
			default:
				info, err = a.drv.LookupPoolByName(ctx, args[0])
			}
			if err != nil {
				return err
			}
			return printPool(cmd, info)
		})
	},
}

var poolDefineCmd = &cobra.Command{
	Use:   "define <file>",
	Short: "Define a persistent pool from a file",
	Long: `Define a persistent pool from an XML or YAML definition. Defining a pool
that already exists with the same name and UUID updates its definition; an
active pool picks the change up when it is next started.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		def, err := loader.LoadPoolFile(args[0])
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			info, err := a.drv.DefinePool(ctx, def)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Pool %s defined from %s\n", info.Name, args[0])
			return nil
		})
	},
}

var poolCreateCmd = &cobra.Command{
	Use:   "create <file>",
	Short: "Create and start a transient pool from a file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		def, err := loader.LoadPoolFile(args[0])
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			info, err := a.drv.CreatePool(ctx, def, createFlags())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Pool %s created from %s\n", info.Name, args[0])
			return nil
		})
	},
}

// poolNameCmd builds a command that takes one pool name and reports done
// on success.
func poolNameCmd(use, short, done string, run func(ctx context.Context, a *app, name string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <name>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if err := run(ctx, a, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "Pool %s %s\n", args[0], done)
				return nil
			})
		},
	}
}

var poolStartCmd = poolNameCmd("start", "Start an inactive pool", "started",
	func(ctx context.Context, a *app, name string) error {
		return a.drv.StartPool(ctx, name, createFlags())
	})

var poolDestroyCmd = poolNameCmd("destroy", "Stop an active pool", "destroyed",
	func(ctx context.Context, a *app, name string) error {
		return a.drv.DestroyPool(ctx, name)
	})

var poolDeleteCmd = poolNameCmd("delete", "Delete the storage of an inactive pool", "deleted",
	func(ctx context.Context, a *app, name string) error {
		var flags libvirt.StoragePoolDeleteFlags
		if poolDeleteZeroed {
			flags = libvirt.StoragePoolDeleteZeroed
		}
		return a.drv.DeletePool(ctx, name, flags)
	})

var poolUndefineCmd = poolNameCmd("undefine", "Remove a pool's persistent definition", "undefined",
	func(ctx context.Context, a *app, name string) error {
		return a.drv.UndefinePool(ctx, name)
	})

var poolBuildCmd = poolNameCmd("build", "Build the storage of an inactive pool", "built",
	func(ctx context.Context, a *app, name string) error {
		return a.drv.BuildPool(ctx, name, buildFlags())
	})

var poolRefreshCmd = poolNameCmd("refresh", "Rescan an active pool's volumes", "refreshed",
	func(ctx context.Context, a *app, name string) error {
		return a.drv.RefreshPool(ctx, name)
	})

var poolDumpXMLCmd = &cobra.Command{
	Use:   "dumpxml <name>",
	Short: "Print a pool's XML definition",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var flags libvirt.StorageXMLFlags
		if poolDumpXMLInactive {
			flags = libvirt.StorageXMLInactive
		}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			doc, err := a.drv.GetPoolXML(ctx, args[0], flags)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), doc)
			return nil
		})
	},
}

var poolAutostartCmd = &cobra.Command{
	Use:   "autostart <name>",
	Short: "Mark a persistent pool to start with the daemon",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			if err := a.drv.SetAutostart(ctx, args[0], !poolAutostartDisable); err != nil {
				return err
			}
			on, err := a.drv.GetAutostart(ctx, args[0])
			if err != nil {
				return err
			}
			state := "unmarked as"
			if on {
				state = "marked as"
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Pool %s %s autostarted\n", args[0], state)
			return nil
		})
	},
}

var poolSourcesCmd = &cobra.Command{
	Use:   "sources <type> [source-file]",
	Short: "Discover pool sources of a type",
	Long: `Discover the sources a pool of the given type could use. For scsi this
lists the host adapters. An optional file holds a backend-specific source
description.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var spec string
		if len(args) == 2 {
			data, err := os.ReadFile(args[1])
			if err != nil {
				return fmt.Errorf("failed to read file %s: %w", args[1], err)
			}
			spec = string(data)
		}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			doc, err := a.drv.FindPoolSources(ctx, pooldef.PoolType(args[0]), spec)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), doc)
			return nil
		})
	},
}
