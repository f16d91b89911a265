package workers

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/dilshadbvoc-ui/Dad-backend-sub001/services"
)

// RotationWorker sweeps expired rotation deadlines on a fixed interval.
type RotationWorker struct {
	Automation *services.AutomationService
	Interval   time.Duration
	Clock      func() time.Time
}

func NewRotationWorker(automation *services.AutomationService, interval time.Duration) *RotationWorker {
	if interval <= 0 {
		interval = time.Minute
	}
	return &RotationWorker{
		Automation: automation,
		Interval:   interval,
		Clock:      func() time.Time { return time.Now().UTC() },
	}
}

// StartRotationWorker runs sweeps until ctx is done. A tick that arrives while
// a sweep is still running elsewhere is skipped.
func (w *RotationWorker) StartRotationWorker(ctx context.Context) {
	log.Printf("Rotation worker started, sweeping every %s", w.Interval)

	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Rotation worker stopped")
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single sweep and returns the number of reassignments.
func (w *RotationWorker) RunOnce(ctx context.Context) int {
	events, err := w.Automation.SweepRotations(ctx, w.Clock())
	if errors.Is(err, services.ErrSweepInProgress) {
		log.Println("Rotation worker: sweep already in progress, skipping tick")
		return 0
	}
	if err != nil {
		log.Printf("Rotation worker: sweep failed: %v", err)
	}
	return len(events)
}

// SegmentRefreshWorker periodically runs a full recompute of every dynamic
// segment. A zero interval disables it.
type SegmentRefreshWorker struct {
	Segments *services.SegmentService
	Interval time.Duration
}

func NewSegmentRefreshWorker(segments *services.SegmentService, interval time.Duration) *SegmentRefreshWorker {
	return &SegmentRefreshWorker{Segments: segments, Interval: interval}
}

func (w *SegmentRefreshWorker) StartSegmentRefreshWorker(ctx context.Context) {
	if w.Interval <= 0 {
		log.Println("Segment refresh worker disabled, segments update on entity events only")
		return
	}
	log.Printf("Segment refresh worker started, refreshing every %s", w.Interval)

	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Segment refresh worker stopped")
			return
		case <-ticker.C:
			if err := w.Segments.RefreshAll(ctx); err != nil {
				log.Printf("Segment refresh worker: %v", err)
			}
		}
	}
}
