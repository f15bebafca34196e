package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/weftlabs/weft/internal/colors"
	"github.com/weftlabs/weft/internal/fswatch"
	"github.com/weftlabs/weft/internal/logging"
	"github.com/weftlabs/weft/internal/mirror"
)

var checkoutCmd = &cobra.Command{
	Use:   "checkout <branch>",
	Short: "Materialize a branch's files onto disk",
	Long: `Checkout writes the newest synced state of a branch into the project
directory. While 'weft run' is active it tracks the checked-out branch
continuously; this command performs a single checkout for offline use.`,
	Args: cobra.ExactArgs(1),
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
		ref, err := latestRef(p.db, s.Record.ID)
		if err != nil {
			return err
		}

		log := logging.New(logging.Options{Level: p.cfg.Log.Level, Pretty: p.cfg.Log.Pretty})
		watcher, err := fswatch.New(p.root, p.db.Ignore(), log)
		if err != nil {
			return err
		}
		wctx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			watcher.Run(wctx)
			close(done)
		}()
		defer func() {
			cancel()
			<-done
		}()

		toFS := mirror.NewToFS(p.db, watcher, sceneCodec(), log)
		events, err := toFS.CheckoutRef(ctx, ref)
		if err != nil {
			return err
		}
		fmt.Printf("Checked out %s at %s, %d files updated\n",
			colors.Bold(s.Record.Name), colors.Gray(ref.Heads[0].Short()), len(events))
		return nil
	},
}
