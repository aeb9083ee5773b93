package inference

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// statProcessor is used to collect, analyze, and print per-event latency statistics.
type statProcessor struct {
	c   chan *Stat // c is the channel for Stats to be sent for processing
	out io.Writer
	wg  sync.WaitGroup

	mu           sync.Mutex
	StatsMapping map[string]*statGroup

	eventCount  uint64
	failedCount uint64
}

func newStatProcessor(out io.Writer) *statProcessor {
	return &statProcessor{
		out:          out,
		StatsMapping: map[string]*statGroup{},
	}
}

func (sp *statProcessor) send(s *Stat) {
	sp.c <- s
}

// start launches the goroutine aggregating stats sent by workers.
func (sp *statProcessor) start(workers int) {
	sp.c = make(chan *Stat, workers*64)
	sp.wg.Add(1)
	go sp.process(workers)
}

// process collects latency results, aggregating them into summary
// statistics that are printed once the channel is closed.
func (sp *statProcessor) process(workers int) {
	defer sp.wg.Done()
	start := time.Now()
	for stat := range sp.c {
		atomic.AddUint64(&sp.eventCount, 1)
		if stat.failed {
			atomic.AddUint64(&sp.failedCount, 1)
			statPool.Put(stat)
			continue
		}
		sp.mu.Lock()
		g, ok := sp.StatsMapping[stat.label]
		if !ok {
			g = newStatGroup()
			sp.StatsMapping[stat.label] = g
		}
		g.push(stat.value, stat.tokens)
		sp.mu.Unlock()
		statPool.Put(stat)
	}

	if sp.out == nil {
		return
	}
	sinceStart := time.Since(start)
	events := atomic.LoadUint64(&sp.eventCount)
	fmt.Fprintf(sp.out, "Run complete after %d events (%d failed) with %d workers (Overall event rate %0.2f events/sec):\n",
		events, atomic.LoadUint64(&sp.failedCount), workers, float64(events)/sinceStart.Seconds())
	sp.mu.Lock()
	_ = writeStatGroupMap(sp.out, sp.StatsMapping)
	sp.mu.Unlock()
}

// quantiles returns the q50 and q99 of a stat group, zero when it is empty.
func (sp *statProcessor) quantiles(label string) (float64, float64) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	g, ok := sp.StatsMapping[label]
	if !ok {
		return 0, 0
	}
	return g.quantile(0.50), g.quantile(0.99)
}

// CloseAndWait closes the stats channel and blocks until the statProcessor has finished all the stats on its channel.
func (sp *statProcessor) CloseAndWait() {
	close(sp.c)
	sp.wg.Wait()
}
