package application

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// task é uma tarefa periódica single-flight: um disparo com a anterior
// ainda rodando é pulado. Erro e panic ficam na iteração.
type task struct {
	name    string
	every   time.Duration
	fn      func(ctx context.Context) error
	log     logrus.FieldLogger
	running atomic.Bool
	skipped atomic.Int64
}

// run devolve false se pulou.
func (t *task) run(ctx context.Context) (ran bool) {
	if !t.running.CompareAndSwap(false, true) {
		t.skipped.Add(1)
		return false
	}
	ran = true
	defer t.running.Store(false)
	defer func() {
		if p := recover(); p != nil {
			t.log.WithField("task", t.name).Errorf("background task panicked: %v", p)
		}
	}()

	if err := t.fn(ctx); err != nil {
		t.log.WithError(err).WithField("task", t.name).Warn("background task failed")
	}
	return true
}

func (t *task) start(ctx context.Context, wg *sync.WaitGroup) error {
	if t.every <= 0 {
		return fmt.Errorf("task %s: interval must be > 0", t.name)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		tick := time.NewTicker(t.every)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
				// disparo em goroutine própria; sobreposição cai no single-flight
				wg.Add(1)
				go func() {
					defer wg.Done()
					t.run(ctx)
				}()
			}
		}
	}()
	return nil
}
