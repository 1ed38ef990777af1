package renderer

import (
	"sync"

	"github.com/use-agent/prerender/models"
)

// resolver is the single result slot of a render call. The first resolve
// wins; later calls are ignored.
type resolver struct {
	once sync.Once
	done chan struct{}
	res  *models.RenderResult
	err  error
}

func newResolver() *resolver {
	return &resolver{done: make(chan struct{})}
}

// resolve stores res/err if nothing was stored yet and reports whether it
// did.
func (r *resolver) resolve(res *models.RenderResult, err error) bool {
	won := false
	r.once.Do(func() {
		r.res, r.err = res, err
		won = true
		close(r.done)
	})
	return won
}

func (r *resolver) Done() <-chan struct{} { return r.done }

func (r *resolver) resolved() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// result blocks until resolved.
func (r *resolver) result() (*models.RenderResult, error) {
	<-r.done
	return r.res, r.err
}
