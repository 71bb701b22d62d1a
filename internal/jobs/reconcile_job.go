// reconcile_job.go implements the ReconcileJob background job, which periodically sweeps
// the registry and the partition store for organizations without a partition and
// partitions without an organization. Partitions under an in-flight lifecycle operation
// are skipped and revisited on the next run.
package jobs

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/org-partitions/org-service/internal/lifecycle"
)

// Reconciler runs one reconciliation pass.
type Reconciler interface {
	Reconcile(ctx context.Context) (*lifecycle.ReconcileReport, error)
}

// ReconcileJob periodically repairs registry/partition drift.
type ReconcileJob struct {
	reconciler Reconciler
	interval   time.Duration
	stopChan   chan struct{}
	stopOnce   sync.Once
}

// NewReconcileJob creates a reconciliation job. A non-positive interval defaults to 10 minutes.
func NewReconcileJob(reconciler Reconciler, interval time.Duration) *ReconcileJob {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &ReconcileJob{
		reconciler: reconciler,
		interval:   interval,
		stopChan:   make(chan struct{}),
	}
}

// Start runs a pass immediately and then on every tick until ctx is cancelled
// or Stop is called. It blocks; callers run it in its own goroutine.
func (j *ReconcileJob) Start(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	log.Printf("Reconcile job started with interval: %v", j.interval)

	j.runOnce(ctx)

	for {
		select {
		case <-ticker.C:
			j.runOnce(ctx)
		case <-j.stopChan:
			log.Println("Reconcile job stopped")
			return
		case <-ctx.Done():
			log.Println("Reconcile job context cancelled")
			return
		}
	}
}

// Stop signals the loop to exit. It is safe to call more than once.
func (j *ReconcileJob) Stop() {
	j.stopOnce.Do(func() { close(j.stopChan) })
}

func (j *ReconcileJob) runOnce(ctx context.Context) {
	if j.reconciler == nil {
		log.Println("Reconcile job: no reconciler configured, skipping")
		return
	}
	report, err := j.reconciler.Reconcile(ctx)
	if err != nil {
		log.Printf("Reconcile job: run failed: %v", err)
		return
	}
	if n := len(report.Recreated) + len(report.Dropped) + len(report.Failed); n > 0 {
		log.Printf("Reconcile job: recreated %d, dropped %d, skipped %d, failed %d",
			len(report.Recreated), len(report.Dropped), len(report.Skipped), len(report.Failed))
	}
}
