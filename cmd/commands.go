package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"

	"github.com/zhengshuai-xiao/TierBak/backup"
)

func cmdRun() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Category:  "BACKUP",
		Usage:     "Create a backup and push it through every configured tier",
		ArgsUsage: "[NAME]",
		Description: `
			Copies the source tree into the backup destination, archives it,
			uploads both artifacts to the object store and applies the
			retention policy. Without NAME the current timestamp is used.
			Re-running with the NAME of a half-finished backup resumes it.

			Examples:
			$ tierbak run
			$ tierbak run 2024_06_01_12_00_00`,
		Action: func(c *cli.Context) error {
			m, err := newManager(c.Context, c)
			if err != nil {
				return err
			}
			return m.Create(c.Context, c.Args().First())
		},
	}
}

func cmdList() *cli.Command {
	return &cli.Command{
		Name:     "list",
		Category: "INSPECT",
		Usage:    "Show every backup and the tiers it lives on",
		Action: func(c *cli.Context) error {
			m, err := newManager(c.Context, c)
			if err != nil {
				return err
			}
			st := m.Status()

			onTier := func(t backup.Tier, name string) string {
				for _, n := range st.Tiers[t].Names {
					if n == name {
						return "yes"
					}
				}
				return "-"
			}
			seen := map[string]bool{}
			var names []string
			for _, t := range backup.Tiers() {
				for _, n := range st.Tiers[t].Names {
					if !seen[n] {
						seen[n] = true
						names = append(names, n)
					}
				}
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tRAW\tARCHIVE\tS3 RAW\tS3 ARCHIVE")
			for _, name := range names {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", name,
					onTier(backup.TierLocalRaw, name),
					onTier(backup.TierLocalCompressed, name),
					onTier(backup.TierS3Raw, name),
					onTier(backup.TierS3Compressed, name))
			}
			for _, t := range backup.Tiers() {
				fmt.Fprintf(w, "# %s: %d backups, %s\n", t,
					len(st.Tiers[t].Names), humanize.IBytes(uint64(st.Tiers[t].TotalSize)))
			}
			return w.Flush()
		},
	}
}

func cmdRestore() *cli.Command {
	return &cli.Command{
		Name:      "restore",
		Category:  "BACKUP",
		Usage:     "Restore a backup into a directory, preferring raw tiers",
		ArgsUsage: "NAME DEST",
		Action: func(c *cli.Context) error {
			if c.NArg() != 2 {
				return fmt.Errorf("restore needs NAME and DEST, got %d arguments", c.NArg())
			}
			m, err := newManager(c.Context, c)
			if err != nil {
				return err
			}
			return m.Restore(c.Context, c.Args().Get(0), c.Args().Get(1))
		},
	}
}

func cmdDelete() *cli.Command {
	return &cli.Command{
		Name:      "delete",
		Category:  "BACKUP",
		Usage:     "Delete a backup from every tier",
		ArgsUsage: "NAME",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("delete needs exactly one NAME")
			}
			m, err := newManager(c.Context, c)
			if err != nil {
				return err
			}
			return m.Delete(c.Context, c.Args().First())
		},
	}
}

func cmdUnzip() *cli.Command {
	return &cli.Command{
		Name:      "unzip",
		Category:  "BACKUP",
		Usage:     "Re-create the raw copy of a backup from its local archive",
		ArgsUsage: "NAME",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("unzip needs exactly one NAME")
			}
			m, err := newManager(c.Context, c)
			if err != nil {
				return err
			}
			return m.Unzip(c.Context, c.Args().First())
		},
	}
}

func cmdFetch() *cli.Command {
	return &cli.Command{
		Name:      "fetch",
		Category:  "BACKUP",
		Usage:     "Download a backup from the object store into the local tiers",
		ArgsUsage: "NAME",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("fetch needs exactly one NAME")
			}
			m, err := newManager(c.Context, c)
			if err != nil {
				return err
			}
			return m.FetchFromRemote(c.Context, c.Args().First())
		},
	}
}

func cmdReconcile() *cli.Command {
	return &cli.Command{
		Name:     "reconcile",
		Category: "INSPECT",
		Usage:    "Realign the index with what actually exists on every tier",
		Action: func(c *cli.Context) error {
			m, err := newManager(c.Context, c)
			if err != nil {
				return err
			}
			report, err := m.Reconcile(c.Context)
			if err != nil {
				return err
			}
			fmt.Println(report.String())
			return nil
		},
	}
}
