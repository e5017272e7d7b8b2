package pipeline

import (
	"context"
	"image"
	"sync"

	"github.com/banshee-data/gazemap/internal/localize"
)

type job struct {
	index int
	frame *image.RGBA
}

type located struct {
	job
	res localize.Result
}

// parallel decodes frames in order, locates them on a pool of workers and
// emits them in frame order through a reorder buffer. At most 2*workers
// frames are between decode and emit at any time.
func (r *runner) parallel(ctx context.Context, workers int) error {
	parent := ctx
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	depth := 2 * workers
	slots := make(chan struct{}, depth)
	jobs := make(chan job)
	results := make(chan located, depth)

	go func() {
		defer close(jobs)
		for i := 0; ; i++ {
			select {
			case slots <- struct{}{}:
			case <-ctx.Done():
				return
			}
			frame, ok := r.readFrame(i)
			if !ok {
				return
			}
			select {
			case jobs <- job{index: i, frame: frame}:
			case <-ctx.Done():
				return
			}
		}
	}()

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				r.observe(j.index, Localize)
				results <- located{job: j, res: r.loc.Locate(j.frame)}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	pending := make(map[int]located, depth)
	next := 0
	var emitErr error
	for l := range results {
		pending[l.index] = l
		for {
			p, ok := pending[next]
			if !ok {
				break
			}
			delete(pending, next)
			if emitErr == nil {
				if err := r.emit(p.index, p.frame, p.res); err != nil {
					emitErr = err
					cancel()
				} else {
					r.observe(p.index, Advance)
				}
			}
			<-slots
			next++
		}
	}
	if emitErr != nil {
		return emitErr
	}
	return parent.Err()
}
