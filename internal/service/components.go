// File: internal/service/components.go
package service

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hexforge/promptbridge/internal/bridge"
	"github.com/hexforge/promptbridge/internal/observability"
)

// Components holds the initialized services for one bridge session and
// centralizes their lifecycle.
type Components struct {
	Bridge *bridge.Bridge
	DBPool *pgxpool.Pool

	// cancelBrowser tears down the chromedp tab and allocator contexts.
	cancelBrowser []context.CancelFunc
}

// Shutdown closes everything in reverse dependency order: the bridge first
// so no new browser or database work starts, then the browser, then the pool.
func (c *Components) Shutdown() {
	logger := observability.GetLogger()
	logger.Debug("Beginning components shutdown sequence.")

	if c.Bridge != nil {
		c.Bridge.Close()
		logger.Debug("Bridge session closed.")
	}

	// Cancel funcs were appended innermost-last; unwind in reverse.
	for i := len(c.cancelBrowser) - 1; i >= 0; i-- {
		c.cancelBrowser[i]()
	}
	if len(c.cancelBrowser) > 0 {
		logger.Debug("Browser contexts released.")
	}

	if c.DBPool != nil {
		c.DBPool.Close()
		logger.Debug("Database pool closed.")
	}

	logger.Debug("Components shutdown sequence complete.")
}
