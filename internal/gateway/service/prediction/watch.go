package prediction

import (
	"context"
	"slices"
	"time"

	"nnunetserver/internal/artifact"
)

const defaultWatchInterval = 2 * time.Second

// Watch polls a request and emits its item whenever the completion view
// changes. The first item is emitted immediately. The channel is closed once
// the request is completed or failed, when it disappears, or when ctx ends.
func (s *Service) Watch(ctx context.Context, datasetID, reqID string, interval time.Duration) (<-chan Item, error) {
	first, err := s.Get(ctx, datasetID, reqID)
	if err != nil {
		return nil, err
	}
	if interval <= 0 {
		interval = defaultWatchInterval
	}

	out := make(chan Item, 1)
	out <- first
	go func() {
		defer close(out)
		last := first
		if finished(last) {
			return
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			item, err := s.Get(ctx, datasetID, reqID)
			if err != nil {
				s.logger.Debug().Err(err).Str("req_id", reqID).Msg("watch stopped")
				return
			}
			if sameStatus(last, item) {
				continue
			}
			select {
			case out <- item:
			case <-ctx.Done():
				return
			}
			last = item
			if finished(item) {
				return
			}
		}
	}()
	return out, nil
}

func finished(it Item) bool {
	return it.State == artifact.StateCompleted || it.State == artifact.StateFailed
}

func sameStatus(a, b Item) bool {
	return a.Completed == b.Completed &&
		a.State == b.State &&
		slices.Equal(a.InputImages, b.InputImages) &&
		slices.Equal(a.OutputLabels, b.OutputLabels)
}
