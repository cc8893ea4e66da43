package detector

import (
	"context"
	"sync"
	"time"

	"github.com/dj-oyu/hawkeye/threat-server/pkg/types"
)

// Result is one source's answer for a frame
type Result struct {
	Source     string
	Detections []types.RawDetection
	Err        error
}

// DetectAll calls every source concurrently, each bounded by timeout, and
// returns the results in source order. A failed source yields an empty list
// and a non-nil Err.
func DetectAll(ctx context.Context, sources []Source, frame *types.Frame, timeout time.Duration) []Result {
	results := make([]Result, len(sources))

	var wg sync.WaitGroup
	for i, src := range sources {
		wg.Add(1)
		go func(i int, src Source) {
			defer wg.Done()

			callCtx := ctx
			if timeout > 0 {
				var cancel context.CancelFunc
				callCtx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			dets, err := src.Detect(callCtx, frame)
			if err != nil {
				dets = nil
			}
			results[i] = Result{Source: src.Name(), Detections: dets, Err: err}
		}(i, src)
	}
	wg.Wait()

	return results
}
