package server

import (
	"context"
	"log"
	"time"

	"github.com/Katsud0n0/final-jd-21/internal/engine"
)

const defaultSweepInterval = time.Hour

// sweepLoop runs the expiry/archival pass on a fixed interval.
type sweepLoop struct {
	engine   engine.Engine
	interval time.Duration
	stop     chan struct{}
	done     chan struct{}
}

// StartSweepLoop launches the periodic sweeper. The returned function stops
// it and waits for the in-flight pass to finish.
func StartSweepLoop(e engine.Engine) func() {
	interval := defaultSweepInterval
	if e.Config != nil {
		if d := e.Config.SweepInterval(); d > 0 {
			interval = d
		}
	}
	l := &sweepLoop{
		engine:   e,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go l.run()
	return l.shutdown
}

func (l *sweepLoop) run() {
	defer close(l.done)
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		l.sweepOnce()
		select {
		case <-l.stop:
			return
		case <-ticker.C:
		}
	}
}

func (l *sweepLoop) sweepOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	summary, err := l.engine.Sweep(ctx)
	if err != nil {
		log.Printf("sweep: pass failed: %v", err)
		return
	}
	for _, msg := range summary.Errors {
		log.Printf("sweep: %s", msg)
	}
	if summary.Updated {
		log.Printf("sweep: expired=%d archived=%d deleted=%d",
			summary.ExpiredCount, summary.ArchivedCount, len(summary.DeletedIDs))
	}
}

func (l *sweepLoop) shutdown() {
	close(l.stop)
	<-l.done
}
