package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/weftlabs/weft/internal/colors"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the project's branches and sync state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		p, err := openProject(ctx)
		if err != nil {
			return err
		}
		defer p.close(ctx)

		fmt.Printf("Project %s at %s\n", colors.Cyan(p.cfg.Project.MetadataDocID[:8]), p.root)
		if p.cfg.Server.URL != "" {
			fmt.Printf("Server  %s\n", colors.Cyan(p.cfg.Server.URL))
		} else {
			fmt.Printf("Server  %s\n", colors.Dim("none (offline)"))
		}

		fmt.Printf("\n%s\n", colors.SectionHeader("Branches:"))
		synced, pending := 0, 0
		for _, s := range p.db.Branches() {
			marker := "  "
			if s.Record.IsMain() {
				marker = colors.Bold("* ")
			}
			state := colors.Yellow("waiting for linked documents")
			if len(s.SyncedHeads) > 0 {
				state = colors.Green(fmt.Sprintf("synced at %s", s.SyncedHeads[0].Short()))
				synced++
			} else {
				pending++
			}
			fmt.Printf("%s%-20s %s\n", marker, s.Record.Name, state)
		}

		fmt.Printf("\n%d synced, %d pending, %d linked documents\n",
			synced, pending, len(linkedDocsOf(p)))
		return nil
	},
}

func linkedDocsOf(p *project) map[string]struct{} {
	docs := make(map[string]struct{})
	for _, s := range p.db.Branches() {
		for _, id := range s.LinkedDocIDs {
			docs[string(id)] = struct{}{}
		}
	}
	return docs
}
