// Package sched provides the scheduling helpers vCPUs lean on: Block
// parks an idle vCPU until something makes it runnable again, and
// DirectedYield donates the caller's quantum to a sibling believed to
// hold a contended lock.
package sched

import (
	"context"

	"gvisor.dev/gvisor/pkg/sleep"
)

// WakeReason reports what ended a Block call.
type WakeReason int

const (
	// WakeRunnable means the vCPU has work again.
	WakeRunnable WakeReason = iota

	// WakeTimer means a pending guest timer fired.
	WakeTimer

	// WakeKill means the vCPU is being torn down or its context was
	// cancelled.
	WakeKill
)

func (r WakeReason) String() string {
	switch r {
	case WakeRunnable:
		return "runnable"
	case WakeTimer:
		return "timer"
	case WakeKill:
		return "kill"
	}
	return "invalid"
}

// Blocker parks one vCPU thread. Wake calls are safe from any goroutine
// and are level-like: a wake arriving before Block completes the next
// Block immediately instead of being lost.
type Blocker struct {
	sleeper  sleep.Sleeper
	runnable sleep.Waker
	timer    sleep.Waker
	kill     sleep.Waker

	// onPark and onUnpark bracket the sleep; the vCPU drops its affinity
	// state in onPark and re-establishes it in onUnpark.
	onPark   func()
	onUnpark func()
}

// NewBlocker builds a Blocker. Either hook may be nil.
func NewBlocker(onPark, onUnpark func()) *Blocker {
	b := &Blocker{onPark: onPark, onUnpark: onUnpark}
	b.sleeper.AddWaker(&b.runnable)
	b.sleeper.AddWaker(&b.timer)
	b.sleeper.AddWaker(&b.kill)
	return b
}

// Block parks the caller until a wake arrives and reports its reason.
// Cancelling ctx counts as a kill. Only one goroutine may Block at a time.
func (b *Blocker) Block(ctx context.Context) WakeReason {
	if b.onPark != nil {
		b.onPark()
	}
	defer func() {
		if b.onUnpark != nil {
			b.onUnpark()
		}
	}()

	if done := ctx.Done(); done != nil {
		stop := make(chan struct{})
		defer close(stop)
		go func() {
			select {
			case <-done:
				b.kill.Assert()
			case <-stop:
			}
		}()
	}

	switch b.sleeper.Fetch(true) {
	case &b.timer:
		return WakeTimer
	case &b.kill:
		return WakeKill
	default:
		return WakeRunnable
	}
}

// WakeRunnable marks the vCPU runnable.
func (b *Blocker) WakeRunnable() { b.runnable.Assert() }

// WakeTimer reports a fired guest timer.
func (b *Blocker) WakeTimer() { b.timer.Assert() }

// Kill unblocks the vCPU for teardown.
func (b *Blocker) Kill() { b.kill.Assert() }

// Close releases the sleeper. Call once, after the final Block returned.
func (b *Blocker) Close() { b.sleeper.Done() }
