package async

import (
	"context"
	"fmt"
	"sync"
)

// Group tracks outstanding Waiters. Unlike a one-shot barrier it accepts new
// members at any time, including while Drain is blocked, and lets callers
// observe that a registration happened after a given point via Mark.
type Group struct {
	mu          sync.Mutex
	outstanding int
	tracked     uint64
	idle        chan struct{} // closed while outstanding == 0
	added       chan struct{} // closed by the next Track
}

// Mark is a point-in-time view of a Group taken when it had nothing
// outstanding.
type Mark struct {
	// Tracked is the number of registrations the Group had seen at the mark.
	Tracked uint64
	added   <-chan struct{}
}

// Changed is closed as soon as anything is tracked after the mark was taken.
func (m Mark) Changed() <-chan struct{} {
	return m.added
}

// NewGroup returns an empty Group.
func NewGroup() *Group {
	idle := make(chan struct{})
	close(idle)
	return &Group{
		idle:  idle,
		added: make(chan struct{}),
	}
}

// Track registers w. The registration is visible to Drain and to every
// outstanding Mark before Track returns.
func (g *Group) Track(w Waiter) {
	if w == nil {
		return
	}
	done := w.Done()
	finished := false
	select {
	case <-done:
		finished = true
	default:
	}

	g.mu.Lock()
	g.tracked++
	close(g.added)
	g.added = make(chan struct{})
	if !finished {
		if g.outstanding == 0 {
			g.idle = make(chan struct{})
		}
		g.outstanding++
	}
	g.mu.Unlock()

	if !finished {
		go g.await(done)
	}
}

func (g *Group) await(done <-chan struct{}) {
	<-done
	g.mu.Lock()
	g.outstanding--
	if g.outstanding == 0 {
		close(g.idle)
	}
	g.mu.Unlock()
}

// Outstanding returns the number of tracked Waiters that have not completed.
func (g *Group) Outstanding() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.outstanding
}

// Tracked returns the total number of registrations so far.
func (g *Group) Tracked() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.tracked
}

// Drain blocks until nothing is outstanding, including members tracked while
// it waits. The returned Mark is taken under the same lock that observed the
// empty Group, so no registration can fall between the two.
func (g *Group) Drain(ctx context.Context) (Mark, error) {
	for {
		g.mu.Lock()
		if g.outstanding == 0 {
			mark := Mark{Tracked: g.tracked, added: g.added}
			g.mu.Unlock()
			return mark, nil
		}
		idle := g.idle
		g.mu.Unlock()

		select {
		case <-idle:
		case <-ctx.Done():
			return Mark{}, fmt.Errorf("drain pending group: %w", ctx.Err())
		}
	}
}
