package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/weftlabs/weft/internal/branchdb"
	"github.com/weftlabs/weft/internal/colors"
	"github.com/weftlabs/weft/internal/differ"
	"github.com/weftlabs/weft/internal/logging"
)

var diffCmd = &cobra.Command{
	Use:   "diff <branch> [other]",
	Short: "Compare a branch against its fork origin or another branch",
	Long: `With one argument, diff shows what the branch changed since it was
forked. With two arguments, it compares the newest synced state of the
first branch against the second.`,
	Args: cobra.RangeArgs(1, 2),
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
		after, err := latestRef(p.db, s.Record.ID)
		if err != nil {
			return err
		}

		var before branchdb.HistoryRef
		if len(args) == 2 {
			other, err := resolveBranch(p.db, args[1])
			if err != nil {
				return err
			}
			before, err = latestRef(p.db, other.Record.ID)
			if err != nil {
				return err
			}
		} else {
			if s.Record.Fork == nil {
				return fmt.Errorf("%s is the main branch, name a second branch to compare against", s.Record.Name)
			}
			before = branchdb.NewHistoryRef(s.Record.ID, s.Record.Fork.ForkedAt)
		}

		log := logging.New(logging.Options{Level: p.cfg.Log.Level, Pretty: p.cfg.Log.Pretty})
		d := differ.New(p.db, sceneCodec(), log)
		diff, err := d.GetDiff(ctx, before, after)
		if err != nil {
			return err
		}
		printProjectDiff(diff)
		return nil
	},
}

func printProjectDiff(diff *differ.ProjectDiff) {
	if len(diff.Entries) == 0 {
		fmt.Println(colors.SuccessText("No differences"))
		return
	}
	for _, e := range diff.Entries {
		fmt.Printf("%s %s\n", changeLabel(e.Change), colors.Bold(e.Path))
		switch e.Kind {
		case differ.EntryText:
			printTextDiff(e.Text)
		case differ.EntryScene:
			printSceneDiff(e.Scene)
		case differ.EntryResource:
			fmt.Printf("  %s\n", colors.Dim("binary resource changed"))
			if e.Sidecar != nil {
				fmt.Printf("  %s\n", colors.Dim("import settings:"))
				printTextDiff(e.Sidecar)
			}
		}
	}
}

func changeLabel(c differ.ChangeType) string {
	switch c {
	case differ.Added:
		return colors.Added("A")
	case differ.Removed:
		return colors.Deleted("D")
	default:
		return colors.Modified("M")
	}
}

func printTextDiff(td *differ.TextDiff) {
	if td == nil {
		return
	}
	for _, line := range td.Lines {
		switch line.Kind {
		case differ.LineAdded:
			fmt.Printf("  %s\n", colors.Green("+ "+line.Text))
		case differ.LineRemoved:
			fmt.Printf("  %s\n", colors.Red("- "+line.Text))
		default:
			fmt.Printf("    %s\n", colors.Dim(line.Text))
		}
	}
}

func printSceneDiff(sd *differ.SceneDiff) {
	if sd == nil {
		return
	}
	for _, n := range sd.Nodes {
		fmt.Printf("  %s node %s\n", changeLabel(n.Change), n.ID)
		for _, prop := range n.Properties {
			printPropertyDiff(prop)
		}
		if n.ScriptChanged {
			fmt.Printf("      %s\n", colors.Modified("script changed"))
		}
	}
	for _, sub := range sd.SubResources {
		fmt.Printf("  %s sub-resource %s\n", changeLabel(sub.Change), sub.ID)
		for _, prop := range sub.Properties {
			printPropertyDiff(prop)
		}
	}
	for _, ext := range sd.ExtResources {
		fmt.Printf("  %s ext-resource %s\n", changeLabel(ext.Change), ext.ID)
		if ext.Before != nil && ext.After != nil && ext.Before.Path != ext.After.Path {
			fmt.Printf("      %s -> %s\n", colors.Red(ext.Before.Path), colors.Green(ext.After.Path))
		}
	}
}

func printPropertyDiff(prop differ.PropertyDiff) {
	before, after := "(default)", "(default)"
	if prop.BeforeSet {
		before = string(prop.Before)
	}
	if prop.AfterSet {
		after = string(prop.After)
	}
	fmt.Printf("      %s: %s -> %s\n", prop.Name, colors.Red(before), colors.Green(after))
}
