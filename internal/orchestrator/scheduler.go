package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/storyreel/api/internal/model"
)

// BatchScheduler runs a list of video-clip jobs strictly sequentially in
// batches, with resource checks between jobs and pauses between batches.
// The engine processes one job at a time, so batching buys recovery
// points rather than parallelism.
type BatchScheduler struct {
	orch      *Orchestrator
	monitor   *ResourceMonitor
	batchSize int

	interJobDelay   time.Duration
	interBatchDelay time.Duration

	// sleep is swappable for tests
	sleep func(time.Duration)
}

func NewBatchScheduler(orch *Orchestrator, monitor *ResourceMonitor, batchSize int) *BatchScheduler {
	if batchSize < 1 {
		batchSize = 1
	}
	return &BatchScheduler{
		orch:            orch,
		monitor:         monitor,
		batchSize:       batchSize,
		interJobDelay:   5 * time.Second,
		interBatchDelay: 10 * time.Second,
		sleep:           time.Sleep,
	}
}

// UniqueClipName builds a collision-proof clip name from a stem: the stem,
// a microsecond timestamp and a short random suffix. Two jobs started in
// the same microsecond still get distinct names.
func UniqueClipName(stem string) string {
	return fmt.Sprintf("%s_%d_%s", stem, time.Now().UnixMicro(), uuid.NewString()[:8])
}

// ProcessVideos runs every item through a submit→poll→resolve cycle and
// returns one result slot per item, in input order. A slot is nil when
// that item failed or was skipped; the slice is never shortened. When the
// engine goes down and cannot be recovered, every remaining slot stays
// nil and processing stops early.
func (s *BatchScheduler) ProcessVideos(ctx context.Context, items []model.VideoJobItem, params model.VideoParams,
	progress func(done, total int, step string)) []*model.OutputArtifact {

	results := make([]*model.OutputArtifact, len(items))
	done := 0

	report := func(step string) {
		if progress != nil {
			progress(done, len(items), step)
		}
	}

	for batchStart := 0; batchStart < len(items); batchStart += s.batchSize {
		batchEnd := batchStart + s.batchSize
		if batchEnd > len(items) {
			batchEnd = len(items)
		}
		batchNum := batchStart/s.batchSize + 1

		if batchStart > 0 {
			log.Printf("[Scheduler] pausing %v before batch %d", s.interBatchDelay, batchNum)
			s.sleep(s.interBatchDelay)
			runtime.GC()
			s.logSnapshot()

			if !s.orch.Engine().Ping(ctx) {
				log.Printf("[Scheduler] engine unreachable before batch %d, waiting for recovery", batchNum)
				if err := s.orch.Retry().WaitForRecovery(ctx); err != nil {
					log.Printf("[Scheduler] aborting %d remaining job(s): %v", len(items)-batchStart, err)
					return results
				}
			}
		}

		log.Printf("[Scheduler] batch %d: jobs %d..%d of %d", batchNum, batchStart+1, batchEnd, len(items))

		for i := batchStart; i < batchEnd; i++ {
			if ctx.Err() != nil {
				log.Printf("[Scheduler] canceled, %d job(s) not started", len(items)-i)
				return results
			}

			item := items[i]
			if _, err := os.Stat(item.ImagePath); err != nil {
				log.Printf("[Scheduler] job %d/%d: source image missing (%s), skipping", i+1, len(items), item.ImagePath)
				done++
				report("skipped")
				continue
			}

			if snap, err := s.monitor.Snapshot(); err == nil && snap.MemoryPercent >= s.monitor.cfg.MemoryCritical {
				log.Printf("[Scheduler] memory critical (%.1f%%) before job %d, forcing cleanup", snap.MemoryPercent, i+1)
				s.monitor.ForceCleanup()
			}

			name := UniqueClipName(clipStem(item.ImagePath))
			report(fmt.Sprintf("clip %d/%d", i+1, len(items)))

			artifact, err := s.orch.GenerateVideoClip(ctx, item, params, name)
			if err != nil {
				if errors.Is(err, ErrEngineUnreachable) {
					log.Printf("[Scheduler] engine lost during job %d, aborting %d remaining job(s)", i+1, len(items)-i-1)
					return results
				}
				log.Printf("[Scheduler] job %d/%d failed: %v", i+1, len(items), err)
			} else {
				results[i] = artifact
			}

			done++
			report("clip done")

			if i+1 < batchEnd {
				s.sleep(s.interJobDelay)
				runtime.GC()
			}
		}
	}

	return results
}

func (s *BatchScheduler) logSnapshot() {
	snap, err := s.monitor.Snapshot()
	if err != nil {
		log.Printf("[Scheduler] resource snapshot failed: %v", err)
		return
	}
	log.Printf("[Scheduler] resources: cpu %.1f%%, memory %.1f%%, %.2f GB free",
		snap.CPUPercent, snap.MemoryPercent, snap.AvailableMemoryGB)
}

func clipStem(imagePath string) string {
	base := filepath.Base(imagePath)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
