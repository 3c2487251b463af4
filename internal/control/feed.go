package control

import (
	"context"
	"sync"
)

// changeFeed runs subscribers on one goroutine. Notifications arriving
// while a pass is pending collapse into it, and every pass reads the
// current device list, so subscribers always see the latest state.
type changeFeed struct {
	list   func() []DeviceView
	logger Logger

	mu   sync.RWMutex
	subs []func([]DeviceView)

	pending chan struct{}
	done    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

func newChangeFeed(list func() []DeviceView, logger Logger) *changeFeed {
	return &changeFeed{
		list:    list,
		logger:  logger,
		pending: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

func (f *changeFeed) subscribe(fn func([]DeviceView)) {
	f.mu.Lock()
	f.subs = append(f.subs, fn)
	f.mu.Unlock()
}

func (f *changeFeed) notify() {
	select {
	case f.pending <- struct{}{}:
	default:
	}
}

func (f *changeFeed) start(ctx context.Context) {
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-f.done:
				return
			case <-f.pending:
				f.dispatch()
			}
		}
	}()
}

func (f *changeFeed) stop() {
	f.once.Do(func() { close(f.done) })
	f.wg.Wait()
}

func (f *changeFeed) dispatch() {
	f.mu.RLock()
	subs := append(([]func([]DeviceView))(nil), f.subs...)
	f.mu.RUnlock()
	if len(subs) == 0 {
		return
	}

	views := f.list()
	for _, fn := range subs {
		f.call(fn, views)
	}
}

func (f *changeFeed) call(fn func([]DeviceView), views []DeviceView) {
	defer func() {
		if r := recover(); r != nil {
			f.logger.Error("change subscriber panicked", "panic", r)
		}
	}()
	fn(views)
}
