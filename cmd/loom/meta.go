package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/normanking/loom/internal/project"
)

// ═══════════════════════════════════════════════════════════════════════════════
// PROJECT META COMMANDS
// ═══════════════════════════════════════════════════════════════════════════════

func metaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "meta",
		Short: "Read and sync per-project state",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List projects with stored state",
		RunE: func(cmd *cobra.Command, args []string) error {
			store := project.NewStore(cfg.Projects.Dir)
			ids, err := store.List()
			if err != nil {
				return err
			}
			if len(ids) == 0 {
				fmt.Println("No projects found.")
				return nil
			}
			for _, id := range ids {
				fmt.Println(id)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show [project]",
		Short: "Print a project's state document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store := project.NewStore(cfg.Projects.Dir)
			meta, err := store.Load(args[0])
			if err != nil {
				if !errors.Is(err, project.ErrConfigCorrupt) {
					return err
				}
				fmt.Fprintln(os.Stderr, warnStyle.Render("stored document is unreadable; showing an empty one"))
			}
			out, err := yaml.Marshal(meta)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	})

	var (
		updatedBy string
		strategy  string
		force     bool
	)
	syncCmd := &cobra.Command{
		Use:   "sync [project] [file]",
		Short: "Merge a state document into the stored one",
		Long: `Merge a YAML state document into the project's stored state.

The default union strategy keeps every milestone and decision, only moves
statuses forward, and is safe to repeat. The replace strategy overwrites the
stored document and refuses to drop unfinished milestones without --force.
Use "-" as the file to read from stdin.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := project.ParseStrategy(strategy)
			if err != nil {
				return err
			}

			incoming, err := readMetaFile(args[1])
			if err != nil {
				return err
			}

			store := project.NewStore(cfg.Projects.Dir)
			if st == project.StrategyReplace {
				return replaceMeta(store, args[0], incoming, updatedBy, force)
			}

			res, err := store.SyncFromAgents(cmd.Context(), args[0], incoming, updatedBy)
			if err != nil {
				return err
			}
			if !res.Changed {
				fmt.Printf("Project %s is already up to date.\n", args[0])
				return nil
			}
			fmt.Printf("✅ Project %s synced\n", args[0])
			printList("added milestones", res.Report.AddedMilestones)
			printList("advanced", res.Report.AdvancedStatuses)
			printList("kept (incoming status was older)", res.Report.HeldStatuses)
			printList("added decisions", res.Report.AddedDecisions)
			return nil
		},
	}
	syncCmd.Flags().StringVar(&updatedBy, "updated-by", "cli", "who made the change")
	syncCmd.Flags().StringVar(&strategy, "strategy", "union", "merge strategy: union or replace")
	syncCmd.Flags().BoolVar(&force, "force", false, "replace even if unfinished milestones would be dropped")
	cmd.AddCommand(syncCmd)

	return cmd
}

func replaceMeta(store *project.Store, projectID string, incoming *project.Meta, updatedBy string, force bool) error {
	existing, err := store.Load(projectID)
	if err != nil && !errors.Is(err, project.ErrConfigCorrupt) {
		return err
	}

	merged, report := project.MergeWithReport(existing, incoming, project.StrategyReplace)
	if len(report.DroppedOpenOnSwap) > 0 && !force {
		return fmt.Errorf("replace would drop unfinished milestones: %s (use --force or the union strategy)",
			strings.Join(report.DroppedOpenOnSwap, ", "))
	}
	if updatedBy != "" {
		merged.UpdatedBy = updatedBy
	}
	if err := store.Save(projectID, merged); err != nil {
		return err
	}
	fmt.Printf("✅ Project %s replaced\n", projectID)
	printList("dropped unfinished milestones", report.DroppedOpenOnSwap)
	return nil
}

func readMetaFile(path string) (*project.Meta, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = readAllStdin()
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var meta project.Meta
	if err := yaml.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &meta, nil
}

func printList(label string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Println(field(label, strings.Join(items, ", ")))
}
