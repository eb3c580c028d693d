// File: internal/page/context.go
package page

import "context"

// combineContext merges the browser tab context with a per-operation context.
// The result carries the tab's CDP target values and is cancelled when either
// parent is done.
func combineContext(tabCtx, opCtx context.Context) (context.Context, context.CancelFunc) {
	combined, cancel := context.WithCancel(tabCtx)

	go func() {
		select {
		case <-opCtx.Done():
			cancel()
		case <-combined.Done():
		}
	}()

	return combined, cancel
}
