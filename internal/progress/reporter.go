package progress

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// Reporter renders progress events as periodic console lines. It is the
// repo's own minimal display; richer rendering belongs to an external
// collaborator consuming the same events.
type Reporter struct {
	out      io.Writer
	interval time.Duration

	mu      sync.Mutex
	bytes   map[string]int64
	totals  map[string]int64
	phases  map[string]Phase
	started time.Time

	done chan struct{}
	once sync.Once
}

// NewReporter creates a reporter writing to out every interval.
func NewReporter(out io.Writer, interval time.Duration) *Reporter {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}

	return &Reporter{
		out:      out,
		interval: interval,
		bytes:    make(map[string]int64),
		totals:   make(map[string]int64),
		phases:   make(map[string]Phase),
		done:     make(chan struct{}),
	}
}

// Run consumes events until the sink is closed, printing a summary line
// per tick. Call it from its own goroutine.
func (r *Reporter) Run(sink Sink) {
	defer r.once.Do(func() { close(r.done) })

	r.mu.Lock()
	r.started = time.Now()
	r.mu.Unlock()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case e, ok := <-sink:
			if !ok {
				r.render()
				return
			}

			r.observe(e)
		case <-ticker.C:
			r.render()
		}
	}
}

// Wait blocks until Run has drained the sink.
func (r *Reporter) Wait() {
	<-r.done
}

func (r *Reporter) observe(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.bytes[e.ResourceID] = e.BytesSoFar
	if e.TotalBytes > 0 {
		r.totals[e.ResourceID] = e.TotalBytes
	}

	r.phases[e.ResourceID] = e.Phase
}

func (r *Reporter) render() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.phases) == 0 {
		return
	}

	var transferred, total int64

	active := 0
	finished := 0

	ids := make([]string, 0, len(r.phases))
	for id := range r.phases {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	for _, id := range ids {
		transferred += r.bytes[id]
		total += r.totals[id]

		switch r.phases[id] {
		case PhaseTransfer, PhaseVerifying, PhaseRetryWait:
			active++
		case PhaseCommitted, PhaseFromCache, PhaseFailed:
			finished++
		}
	}

	elapsed := time.Since(r.started).Seconds()

	var rate string
	if elapsed > 0 {
		rate = humanize.Bytes(uint64(float64(transferred)/elapsed)) + "/s"
	}

	fmt.Fprintf(r.out, "[dsfetch] %d/%d resources done, %d active, %s of %s (%s)\n",
		finished, len(ids), active,
		humanize.Bytes(uint64(transferred)), humanize.Bytes(uint64(total)), rate)
}
