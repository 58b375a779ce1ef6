package cdp

import (
	"context"
)

// bind derives a context from tab, which carries the chromedp target, that is
// also cancelled when op is done and inherits op's deadline. chromedp needs
// the tab's values; the caller's context decides how long the call may take.
func bind(tab, op context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(tab)
	if deadline, ok := op.Deadline(); ok {
		var cancelDeadline context.CancelFunc
		ctx, cancelDeadline = context.WithDeadline(ctx, deadline)
		inner := cancel
		cancel = func() {
			cancelDeadline()
			inner()
		}
	}
	stop := context.AfterFunc(op, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
