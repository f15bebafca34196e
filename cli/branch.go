package cli

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/weftlabs/weft/internal/colors"
)

var branchCmd = &cobra.Command{
	Use:     "branch",
	Aliases: []string{"br"},
	Short:   "Manage branches",
}

var branchListCmd = &cobra.Command{
	Use:   "list",
	Short: "List branches",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		p, err := openProject(ctx)
		if err != nil {
			return err
		}
		defer p.close(ctx)

		branches := p.db.Branches()
		sort.Slice(branches, func(i, j int) bool {
			return branches[i].Record.CreatedAt.Before(branches[j].Record.CreatedAt)
		})
		for _, s := range branches {
			name := s.Record.Name
			tags := ""
			switch {
			case s.Record.IsMain():
				name = colors.Bold(name)
				tags = colors.Dim(" (main)")
			case s.Record.Merge != nil:
				tags = colors.Dim(" (merged)")
			}
			heads := colors.Yellow("unsynced")
			if len(s.SyncedHeads) > 0 {
				heads = colors.Green(s.SyncedHeads[0].Short())
			}
			fmt.Printf("%s  %s  %s%s\n", colors.Gray(string(s.Record.ID)[:8]), heads, name, tags)
		}
		return nil
	},
}

var branchForkCmd = &cobra.Command{
	Use:   "fork <name> [source]",
	Short: "Fork a new branch, from main or from a named source branch",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		p, err := openProject(ctx)
		if err != nil {
			return err
		}
		defer p.close(ctx)

		source := p.db.MainID()
		if len(args) == 2 {
			s, err := resolveBranch(p.db, args[1])
			if err != nil {
				return err
			}
			source = s.Record.ID
		}
		id, err := p.db.ForkBranch(ctx, args[0], source)
		if err != nil {
			return err
		}
		fmt.Printf("Forked %s (%s)\n", colors.Bold(args[0]), colors.Gray(string(id)[:8]))
		return nil
	},
}

var branchMergeCmd = &cobra.Command{
	Use:   "merge <source> [target]",
	Short: "Merge a branch into main or into a named target branch",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		p, err := openProject(ctx)
		if err != nil {
			return err
		}
		defer p.close(ctx)

		source, err := resolveBranch(p.db, args[0])
		if err != nil {
			return err
		}
		target := p.db.MainID()
		targetName := "main"
		if len(args) == 2 {
			ts, err := resolveBranch(p.db, args[1])
			if err != nil {
				return err
			}
			target = ts.Record.ID
			targetName = ts.Record.Name
		}
		if err := p.db.MergeBranch(ctx, source.Record.ID, target); err != nil {
			return err
		}
		fmt.Printf("Merged %s into %s\n", colors.Bold(source.Record.Name), colors.Bold(targetName))
		return nil
	},
}

var branchDeleteCmd = &cobra.Command{
	Use:   "delete <branch>",
	Short: "Delete a branch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		p, err := openProject(ctx)
		if err != nil {
			return err
		}
		defer p.close(ctx)

		s, err := resolveBranch(p.db, args[0])
		if err != nil {
			return err
		}
		if err := p.db.DeleteBranch(ctx, s.Record.ID); err != nil {
			return err
		}
		fmt.Printf("Deleted branch %s\n", colors.Bold(s.Record.Name))
		return nil
	},
}
