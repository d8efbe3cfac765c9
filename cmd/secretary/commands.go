package main

import (
	"fmt"
	"slices"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/octylFractal/backup-secretary/internal/docker"
	"github.com/octylFractal/backup-secretary/internal/setup"
)

func newSetupsCmd(cfg *config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "setups",
		Short: "Inspect backup setups",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List the setups in the data directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			plugins, err := newPluginRegistry(nil)
			if err != nil {
				return err
			}
			setups, err := setup.NewFileStore(cfg.setupsDir()).LoadAll(plugins)
			if err != nil {
				return err
			}
			keys := make([]string, 0, len(setups))
			for k := range setups {
				keys = append(keys, k)
			}
			return printSetups(cmd, keys, setups, time.Now())
		},
	})
	return cmd
}

func printSetups(cmd *cobra.Command, keys []string, setups map[string]setup.Setup, now time.Time) error {
	slices.Sort(keys)
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tSOURCE\tCHUNKER\tTARGET\tNEXT\tSCHEDULE\tLAST")
	for _, key := range keys {
		s := setups[key]
		schedule := "once"
		if s.ScheduleTime != nil {
			schedule = "daily " + s.ScheduleTime.String()
		}
		next := humanize.RelTime(s.NextBackupTime, now, "ago", "from now")
		if s.Done() {
			next = "done"
		}
		last := "never"
		if s.LastBackupTime != nil {
			last = humanize.RelTime(*s.LastBackupTime, now, "ago", "from now")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n", key,
			s.Source.PluginID().Key, s.Chunker.PluginID().Key, s.Target.PluginID().Key,
			next, schedule, last)
	}
	return w.Flush()
}

func newPluginsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plugins",
		Short: "Inspect built-in plugins",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List plugin ids by capability",
		RunE: func(cmd *cobra.Command, args []string) error {
			plugins, err := newPluginRegistry(nil)
			if err != nil {
				return err
			}
			for _, c := range plugins.Capabilities() {
				for _, id := range plugins.IDs(c) {
					fmt.Fprintln(cmd.OutOrStdout(), id)
				}
			}
			return nil
		},
	})
	return cmd
}

func newVolumesCmd(cfg *config) *cobra.Command {
	var label string
	cmd := &cobra.Command{
		Use:   "volumes",
		Short: "Inspect Docker volumes usable as docker-volume:// sources",
	}
	list := &cobra.Command{
		Use:   "list",
		Short: "List Docker volumes and their mountpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := buildLogger(cfg.logLevel)
			if err != nil {
				return fmt.Errorf("failed to build logger: %w", err)
			}
			defer logger.Sync() //nolint:errcheck

			c, err := docker.NewClient(cfg.dockerSocket)
			if err != nil {
				return err
			}
			defer c.Close() //nolint:errcheck

			volumes, err := c.ListVolumes(cmd.Context(), label)
			if err != nil {
				return err
			}
			logger.Debug("listed docker volumes", zap.Int("count", len(volumes)))
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tDRIVER\tMOUNTPOINT")
			for _, v := range volumes {
				fmt.Fprintf(w, "%s\t%s\t%s\n", v.Name, v.Driver, v.Mountpoint)
			}
			return w.Flush()
		},
	}
	list.Flags().StringVar(&label, "label", "", "Only list volumes carrying this label (key or key=value)")
	cmd.AddCommand(list)
	return cmd
}
