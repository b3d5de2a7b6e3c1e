package derived

import (
	"context"
	"log/slog"
	"sync"

	"github.com/mosaicfs/mosaicfs/internal/metastore"
)

// rescanJob describes one asynchronous scope rescan (§4.4 "Large
// scope-changes (broad rules) are processed asynchronously"). Exactly one
// of remove/add is set: remove recomputes every file in a rule's old
// scope from scratch; add unions a (newly enabled) rule's labels into its
// current scope.
type rescanJob struct {
	remove *metastore.LabelRule
	add    *metastore.LabelRule
}

// rescanWorker runs broad rule-scope rescans off the changes-feed
// consumer goroutine so a single wide rule doesn't stall incremental
// maintenance; the listing cache's short TTL (§4.1.3) absorbs the
// resulting staleness window, per spec. Shaped after the teacher's
// internal/batch.Processor: a buffered job channel, a fixed worker count,
// and a stop channel joined by a WaitGroup.
type rescanWorker struct {
	ctx    context.Context
	caches *Caches

	jobs   chan rescanJob
	stopCh chan struct{}
	wg     sync.WaitGroup
}

const rescanWorkerCount = 2

func newRescanWorker(ctx context.Context, c *Caches) *rescanWorker {
	w := &rescanWorker{
		ctx:    ctx,
		caches: c,
		jobs:   make(chan rescanJob, 1024),
		stopCh: make(chan struct{}),
	}
	for i := 0; i < rescanWorkerCount; i++ {
		w.wg.Add(1)
		go w.run()
	}
	return w
}

func (w *rescanWorker) submit(remove, add *metastore.LabelRule) {
	select {
	case w.jobs <- rescanJob{remove: remove, add: add}:
	case <-w.stopCh:
	}
}

func (w *rescanWorker) stop() {
	close(w.stopCh)
	w.wg.Wait()
}

func (w *rescanWorker) run() {
	defer w.wg.Done()
	for {
		select {
		case job := <-w.jobs:
			w.process(job)
		case <-w.stopCh:
			return
		}
	}
}

func (w *rescanWorker) process(job rescanJob) {
	ctx := w.ctx
	if job.remove != nil {
		files, err := w.caches.store.ScanFilesByExportPathPrefix(ctx, job.remove.NodeID, job.remove.PathPrefix)
		if err != nil {
			slog.Error("derived: rescan of removed rule scope failed", "rule", job.remove.ID, "error", err)
			return
		}
		for _, f := range files {
			w.caches.recomputeFile(ctx, f.ID)
		}
	}
	if job.add != nil {
		if err := w.caches.applyRuleScope(ctx, job.add); err != nil {
			slog.Error("derived: rescan of new rule scope failed", "rule", job.add.ID, "error", err)
		}
	}
}
