// Package hammer runs work from many goroutines released at the same time,
// to shake out races between units assembled concurrently.
package hammer

import (
	"runtime"
	"sync"
	"testing"
)

// Hammer runs work concurrently in P goroutines, N times per goroutine.
//
// For example, assembling traces from several goroutines into one backend:
//
//	P, N := 8, 50
//	if testing.Short() {
//		P, N = 4, 10
//	}
//	hammer.NewHammer(t, P, N).Run(func(p, n int) {
//		_, err := b.AssembleLoop(trace.NewLoopToken(), traces[p][n].Inputs, traces[p][n].Ops)
//		require.NoError(t, err)
//	}, nil)
//	if t.Failed() {
//		return
//	}
type Hammer struct {
	t *testing.T
	// P is the count of goroutines.
	P int
	// N is the count of calls per goroutine.
	N int
}

// NewHammer returns a Hammer of P goroutines calling work N times each.
func NewHammer(t *testing.T, P, N int) *Hammer {
	return &Hammer{t: t, P: P, N: N}
}

// Run calls work(p, n) for every goroutine p and iteration n. onRunning, if
// not nil, runs once all goroutines started and before any calls work.
// A panic in work fails the test instead of crashing the binary.
func (h *Hammer) Run(work func(p, n int), onRunning func()) {
	// Fewer processors than goroutines forces them to switch.
	defer runtime.GOMAXPROCS(runtime.GOMAXPROCS(h.P/2 + 1))

	var started, finished sync.WaitGroup
	release := make(chan struct{})
	started.Add(h.P)
	finished.Add(h.P)
	for p := 0; p < h.P; p++ {
		p := p
		go func() {
			defer finished.Done()
			defer func() {
				if r := recover(); r != nil {
					h.t.Errorf("goroutine %d: %v", p, r)
				}
			}()
			started.Done()
			<-release
			for n := 0; n < h.N; n++ {
				work(p, n)
			}
		}()
	}

	started.Wait()
	if onRunning != nil {
		onRunning()
	}
	close(release)
	finished.Wait()
}
