package cli

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/weftlabs/weft/internal/colors"
	"github.com/weftlabs/weft/internal/docstore"
)

var logLimit int

var logCmd = &cobra.Command{
	Use:   "log [branch]",
	Short: "Show the commit history of a branch",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		p, err := openProject(ctx)
		if err != nil {
			return err
		}
		defer p.close(ctx)

		id := p.db.MainID()
		if len(args) == 1 {
			s, err := resolveBranch(p.db, args[0])
			if err != nil {
				return err
			}
			id = s.Record.ID
		}
		s, ok := p.db.Branch(id)
		if !ok {
			return fmt.Errorf("unknown branch %s", id)
		}

		changes := p.store.ChangesSince(id, nil)
		sort.Slice(changes, func(i, j int) bool {
			return changes[i].Timestamp.After(changes[j].Timestamp)
		})
		if logLimit > 0 && len(changes) > logLimit {
			changes = changes[:logLimit]
		}

		fmt.Printf("History of %s\n", colors.Bold(s.Record.Name))
		for _, c := range changes {
			meta, ok := c.Metadata()
			line := describeCommit(p, c, meta, ok)
			fmt.Printf("%s  %s  %s\n",
				colors.Yellow(c.Hash.Short()),
				colors.Dim(c.Timestamp.Format("2006-01-02 15:04")),
				line)
		}
		return nil
	},
}

func describeCommit(p *project, c docstore.Change, meta docstore.CommitMetadata, hasMeta bool) string {
	if !hasMeta {
		return colors.Dim("(no metadata)")
	}
	user := meta.Username
	if user == "" {
		user = c.Actor
	}
	switch {
	case meta.IsSetup:
		return "Initialized project"
	case meta.MergeMetadata != nil:
		name := string(meta.MergeMetadata.MergedBranchID)
		if s, ok := p.db.Branch(meta.MergeMetadata.MergedBranchID); ok {
			name = s.Record.Name
		}
		return fmt.Sprintf("%s merged %s", user, colors.Bold(name))
	case len(meta.RevertedTo) > 0:
		return fmt.Sprintf("%s reverted to %s", user, colors.Yellow(meta.RevertedTo[0].Short()))
	case len(meta.ChangedFiles) == 1:
		return fmt.Sprintf("%s edited %s", user, meta.ChangedFiles[0].Path)
	default:
		return fmt.Sprintf("%s edited %d files", user, len(meta.ChangedFiles))
	}
}

func init() {
	logCmd.Flags().IntVarP(&logLimit, "limit", "n", 20, "number of commits to show")
}
