package procctl

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"
)

// dispatcher owns the generator and (optionally) handler goroutines for
// one engine and supervises their lifetime with an errgroup, so a fatal
// error in either actor tears down the other and is observable by Stop.
type dispatcher struct {
	mode ThreadingMode
	lock *MTLock

	gen *Generator
	hnd *Handler

	group  *errgroup.Group
	cancel context.CancelFunc

	callbackCh chan func()
}

// newDispatcher wires up a dispatcher for the given threading mode. The
// generator goroutine always runs (there is no NoGenerator mode); what
// varies is whether the handler gets its own goroutine (evhandlerMain)
// and whether callbacks are posted inline or off to their own goroutine.
func newDispatcher(mode ThreadingMode, lock *MTLock, gen *Generator, hnd *Handler) *dispatcher {
	return &dispatcher{mode: mode, lock: lock, gen: gen, hnd: hnd, callbackCh: make(chan func(), 256)}
}

// Start launches the generator goroutine, and the handler goroutine when
// the mode calls for one (HandlerThreading, CallbackThreading).
func (d *dispatcher) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	g, gctx := errgroup.WithContext(ctx)
	d.group = g

	g.Go(func() error {
		return d.gen.Run(gctx)
	})

	if d.mode == HandlerThreading || d.mode == CallbackThreading {
		g.Go(func() error {
			return d.evhandlerMain(gctx)
		})
	}
	if d.mode == CallbackThreading {
		g.Go(func() error {
			return d.callbackMain(gctx)
		})
	}
}

// evhandlerMain waits on the notifier, then drains and handles events
// under the exclusion lock, posting callbacks outside the lock when
// configured for callback threading (queued onto callbackCh rather than
// invoked inline).
func (d *dispatcher) evhandlerMain(ctx context.Context) error {
	for {
		if err := d.hnd.notifier.Wait(); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		d.lock.LockUser()
		callbacks := d.hnd.DrainAndHandle()
		d.lock.UnlockUser()

		for _, cb := range callbacks {
			if d.mode == CallbackThreading {
				select {
				case d.callbackCh <- cb:
				case <-ctx.Done():
					return ctx.Err()
				}
			} else {
				cb()
			}
		}
	}
}

func (d *dispatcher) callbackMain(ctx context.Context) error {
	for {
		select {
		case cb := <-d.callbackCh:
			cb()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Stop cancels both actor goroutines and waits for them to exit. The
// handler blocks in notifier.Wait between batches, which cancellation
// alone cannot interrupt, so a wakeup note is posted after the cancel.
func (d *dispatcher) Stop() error {
	if d.cancel != nil {
		d.cancel()
	}
	if d.mode == HandlerThreading || d.mode == CallbackThreading {
		d.hnd.notifier.NoteEvent()
	}
	if d.group != nil {
		if err := d.group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	}
	return nil
}

// RunInline drives one handler pass on the caller's own goroutine, used in
// NoThreads and GeneratorThreading modes where there is no dedicated
// handler goroutine: a user API call that needs fresh events drains
// whatever the generator has queued so far.
func (d *dispatcher) RunInline() []func() {
	d.lock.LockUser()
	defer d.lock.UnlockUser()
	return d.hnd.DrainAndHandle()
}
