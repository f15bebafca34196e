package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/weftlabs/weft/internal/branchdb"
	"github.com/weftlabs/weft/internal/docstore"
	"github.com/weftlabs/weft/internal/metrics"
	"github.com/weftlabs/weft/internal/watch"
)

// CommitInfo is one commit of the checked-out branch, flattened for
// display.
type CommitInfo struct {
	Hash      docstore.ChangeHash
	Timestamp time.Time
	Meta      docstore.CommitMetadata
	// Synced is true once the server has acknowledged heads that include
	// this commit.
	Synced  bool
	Summary string
}

// IngesterOptions tunes the recompute rate limit.
type IngesterOptions struct {
	Log zerolog.Logger
	// MinInterval is the smallest spacing between recomputes once the
	// burst allowance is spent.
	MinInterval time.Duration
	// Burst is how many back-to-back recomputes may run before the rate
	// limit bites.
	Burst int
	// AckedHeads resolves the server-acknowledged heads for a document.
	// Nil means nothing is ever considered synced.
	AckedHeads func(docstore.DocumentID) []docstore.ChangeHash
	Metrics    *metrics.Metrics
}

// ChangeIngester recomputes the checked-out branch's commit history on
// request and publishes it. Requests are cheap and coalesce; the actual
// recompute is rate limited so a burst of document changes does not turn
// into a burst of history walks.
type ChangeIngester struct {
	db  *branchdb.DB
	log zerolog.Logger
	met *metrics.Metrics

	minInterval time.Duration
	burst       float64
	ackedHeads  func(docstore.DocumentID) []docstore.ChangeHash

	requests chan struct{}
	history  *watch.Cell[[]CommitInfo]
}

// NewChangeIngester builds an ingester over db.
func NewChangeIngester(db *branchdb.DB, opts IngesterOptions) *ChangeIngester {
	if opts.MinInterval == 0 {
		opts.MinInterval = 100 * time.Millisecond
	}
	if opts.Burst == 0 {
		opts.Burst = 3
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Default()
	}
	return &ChangeIngester{
		db:          db,
		log:         opts.Log.With().Str("component", "ingester").Logger(),
		met:         opts.Metrics,
		minInterval: opts.MinInterval,
		burst:       float64(opts.Burst),
		ackedHeads:  opts.AckedHeads,
		requests:    make(chan struct{}, 1),
		history:     watch.NewCell[[]CommitInfo](nil),
	}
}

// RequestRefresh asks for a history recompute. Never blocks; pending
// requests coalesce.
func (g *ChangeIngester) RequestRefresh() {
	select {
	case g.requests <- struct{}{}:
	default:
	}
}

// History returns the last published commit list, newest first.
func (g *ChangeIngester) History() []CommitInfo { return g.history.Get() }

// SubscribeHistory delivers history updates until ctx is done.
func (g *ChangeIngester) SubscribeHistory(ctx context.Context) <-chan []CommitInfo {
	return g.history.Subscribe(ctx)
}

// Run serves refresh requests until ctx is done.
func (g *ChangeIngester) Run(ctx context.Context) {
	tokens := g.burst
	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-g.requests:
		}

		now := time.Now()
		tokens += now.Sub(last).Seconds() / g.minInterval.Seconds()
		if tokens > g.burst {
			tokens = g.burst
		}
		last = now

		if tokens < 1 {
			wait := time.Duration((1 - tokens) * float64(g.minInterval))
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
				tokens = 1
				last = time.Now()
			}
		}
		tokens--

		g.recompute(ctx)
	}
}

func (g *ChangeIngester) recompute(ctx context.Context) {
	ref := g.db.CheckedOutRef()
	if ref == nil {
		g.history.Set(nil)
		return
	}
	state, ok := g.db.Branch(ref.Branch)
	if !ok {
		g.history.Set(nil)
		return
	}

	unsynced := make(map[docstore.ChangeHash]bool)
	var acked []docstore.ChangeHash
	if g.ackedHeads != nil {
		acked = g.ackedHeads(ref.Branch)
	}
	for _, c := range g.db.Store().ChangesSince(ref.Branch, acked) {
		unsynced[c.Hash] = true
	}

	changes := state.Handle.Changes()
	infos := make([]CommitInfo, 0, len(changes))
	// Newest first for display.
	for i := len(changes) - 1; i >= 0; i-- {
		c := changes[i]
		meta, _ := c.Metadata()
		infos = append(infos, CommitInfo{
			Hash:      c.Hash,
			Timestamp: c.Timestamp,
			Meta:      meta,
			Synced:    !unsynced[c.Hash],
			Summary:   g.summarize(c, meta),
		})
	}

	g.history.Set(infos)
	g.met.IngestRunsTotal.Inc()
}

func (g *ChangeIngester) summarize(c docstore.Change, meta docstore.CommitMetadata) string {
	user := meta.Username
	if user == "" {
		user = c.Actor
	}
	if user == "" {
		user = "someone"
	}

	switch {
	case meta.IsSetup:
		return "Initialized project"
	case meta.MergeMetadata != nil:
		name := string(meta.MergeMetadata.MergedBranchID)
		if s, ok := g.db.Branch(meta.MergeMetadata.MergedBranchID); ok {
			name = s.Record.Name
		}
		return fmt.Sprintf("↪ %s merged %s", user, name)
	case len(meta.RevertedTo) > 0:
		return fmt.Sprintf("↩ %s reverted to %s", user, meta.RevertedTo[0].Short())
	case len(meta.ChangedFiles) == 1:
		return fmt.Sprintf("%s edited %s", user, meta.ChangedFiles[0].Path)
	default:
		return fmt.Sprintf("%s edited %d files", user, len(meta.ChangedFiles))
	}
}
