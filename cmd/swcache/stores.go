package main

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"swcache/internal/swcache"
)

var storesCmd = &cobra.Command{
	Use:   "stores",
	Short: "List cache stores in the configured storage",
	Long: `List every cache store with its entry count and size.

The storage is opened directly, so stop the server first when using the
leveldb or bolt backend; use "swcache status" against a running server.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		st, err := swcache.OpenStorage(cfg.Storage)
		if err != nil {
			return err
		}
		defer st.Close()

		infos, err := swcache.DescribeStores(cmd.Context(), st)
		if err != nil {
			return err
		}
		return renderStores(cmd.OutOrStdout(), infos, cfg.Worker.CacheName)
	},
}

var purgeCmd = &cobra.Command{
	Use:   "purge <store>...",
	Short: "Delete cache stores",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		st, err := swcache.OpenStorage(cfg.Storage)
		if err != nil {
			return err
		}
		defer st.Close()
		return purgeStores(cmd.Context(), cmd.OutOrStdout(), st, args)
	},
}

func purgeStores(ctx context.Context, out io.Writer, st swcache.Storage, names []string) error {
	for _, name := range names {
		existed, err := st.Delete(ctx, name)
		if err != nil {
			return fmt.Errorf("purge %s: %w", name, err)
		}
		if existed {
			fmt.Fprintln(out, color.GreenString("deleted"), name)
		} else {
			fmt.Fprintln(out, color.YellowString("missing"), name)
		}
	}
	return nil
}

func renderStores(out io.Writer, infos []swcache.StoreInfo, current string) error {
	if len(infos) == 0 {
		fmt.Fprintln(out, "no cache stores")
		return nil
	}
	table := tablewriter.NewTable(out)
	table.Header([]string{"Store", "Entries", "Bytes", "Current"})
	for _, info := range infos {
		mark := ""
		if info.Name == current {
			mark = "yes"
		}
		if err := table.Append([]string{
			info.Name,
			strconv.Itoa(info.Entries),
			strconv.FormatInt(info.Bytes, 10),
			mark,
		}); err != nil {
			return err
		}
	}
	return table.Render()
}
