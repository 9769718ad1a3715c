// Package xchan holds helpers for channel operations that must also respect
// context cancellation, with uniform logging at the cancellation points.
package xchan

import (
	"context"
	"log/slog"
)

// SendC selects between ctx.Done and sending val to out.
// On cancellation it logs "Context canceled while " + canceledDuring
// and reports false; on a completed send it reports true.
func SendC[T any](ctx context.Context, log *slog.Logger, out chan<- T, val T, canceledDuring string) (sent bool) {
	select {
	case <-ctx.Done():
		log.Info("Context canceled while "+canceledDuring, "cause", context.Cause(ctx))
		return false
	case out <- val:
		return true
	}
}

// RecvC selects between ctx.Done and receiving from in.
// On cancellation it logs "Context canceled while " + canceledDuring
// and reports false with the zero value; otherwise it returns the
// received value and reports true.
func RecvC[T any](ctx context.Context, log *slog.Logger, in <-chan T, canceledDuring string) (val T, received bool) {
	select {
	case <-ctx.Done():
		log.Info("Context canceled while "+canceledDuring, "cause", context.Cause(ctx))
		return val, false
	case val := <-in:
		return val, true
	}
}

// ReqResp sends reqValue to reqChan and then receives from respChan,
// honoring ctx during both halves.
// It reports false if ctx was canceled before the response arrived.
//
// Shorthand for the synchronous request-response exchanges
// used against kernel goroutines.
func ReqResp[T, U any](
	ctx context.Context, log *slog.Logger,
	reqChan chan<- T, reqValue T,
	respChan <-chan U,
	reqRespType string,
) (respVal U, ok bool) {
	if !SendC(ctx, log, reqChan, reqValue, "making "+reqRespType+" request") {
		return respVal, false
	}

	return RecvC(ctx, log, respChan, "receiving "+reqRespType+" response")
}
