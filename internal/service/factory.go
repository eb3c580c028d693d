// File: internal/service/factory.go
package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hexforge/promptbridge/api/schemas"
	"github.com/hexforge/promptbridge/internal/bridge"
	"github.com/hexforge/promptbridge/internal/config"
	"github.com/hexforge/promptbridge/internal/page"
	"github.com/hexforge/promptbridge/internal/store"
	"github.com/hexforge/promptbridge/internal/transport"
)

// Version is stamped by the build; it rides along in the registration
// handshake.
var Version = "dev"

// ComponentFactory creates the component set for one bridge session. The
// abstraction keeps the serve command's logic testable.
type ComponentFactory interface {
	Create(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*Components, error)
}

// concreteFactory is the production implementation of the ComponentFactory.
type concreteFactory struct{}

// NewComponentFactory creates a production-ready component factory.
func NewComponentFactory() ComponentFactory {
	return &concreteFactory{}
}

// getBrowserExecOptions translates the application config into chromedp
// allocator options.
func getBrowserExecOptions(cfg config.Interface) []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		// Needed on hardened systems where the Chrome sandbox cannot start.
		chromedp.NoSandbox,
		chromedp.Flag("disable-dev-shm-usage", true),
	)

	if cfg.Browser().Headless {
		opts = append(opts, chromedp.Headless)
	}
	if cfg.Browser().DisableCache {
		opts = append(opts, chromedp.Flag("disable-application-cache", true))
	}

	for _, arg := range cfg.Browser().Args {
		if !strings.Contains(arg, "=") {
			if !strings.HasPrefix(arg, "--") {
				arg = "--" + arg
			}
			opts = append(opts, chromedp.Flag(strings.TrimPrefix(arg, "--"), true))
			continue
		}
		parts := strings.SplitN(arg, "=", 2)
		key := strings.TrimPrefix(parts[0], "--")
		opts = append(opts, chromedp.Flag(key, parts[1]))
	}
	return opts
}

// Create handles the full dependency injection for a bridge session.
func (f *concreteFactory) Create(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*Components, error) {
	components := &Components{}

	// Ensure partially created components are released if a later step fails.
	var initializationErr error
	defer func() {
		if initializationErr != nil {
			logger.Warn("Initialization failed, shutting down partially created components.",
				zap.Error(initializationErr))
			components.Shutdown()
		}
	}()

	// 1. Browser allocator and tab. The contexts are created up front; the
	// browser process itself launches in the errgroup below.
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, getBrowserExecOptions(cfg)...)
	components.cancelBrowser = append(components.cancelBrowser, cancelAlloc)

	tabCtx, cancelTab := chromedp.NewContext(allocCtx, chromedp.WithLogf(func(format string, args ...interface{}) {
		logger.Named("chromedp").Sugar().Debugf(format, args...)
	}))
	components.cancelBrowser = append(components.cancelBrowser, cancelTab)

	// 2. Browser launch and audit store init are both slow I/O with no
	// ordering dependency, so they run concurrently.
	var audit bridge.AuditStore = store.Disabled{}
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		// Running an empty task forces the browser process to start, so a
		// missing or broken Chrome install fails the factory, not the first
		// interaction.
		if err := chromedp.Run(tabCtx); err != nil {
			return fmt.Errorf("failed to launch browser: %w", err)
		}
		return nil
	})

	if cfg.Audit().Enabled {
		g.Go(func() error {
			dbPool, err := pgxpool.New(gctx, cfg.Audit().DatabaseURL)
			if err != nil {
				return fmt.Errorf("failed to create database connection pool: %w", err)
			}
			components.DBPool = dbPool

			st, err := store.New(gctx, dbPool, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize audit store: %w", err)
			}
			audit = st
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		initializationErr = err
		return nil, initializationErr
	}

	adapter := page.NewChromeAdapter(logger, cfg.Browser(), tabCtx)

	// 3. Transport channel with registration identity.
	bridgeID := cfg.Transport().BridgeID
	if bridgeID == "" {
		bridgeID = uuid.New().String()
	}
	registration := schemas.RegistrationPayload{
		ID:           bridgeID,
		Version:      Version,
		Capabilities: []string{"automation", "ping"},
	}
	channel := transport.NewWSChannel(logger, cfg.Transport(), registration)

	// 4. Bridge session wiring.
	br, err := bridge.New(ctx, logger, cfg, adapter, channel, audit)
	if err != nil {
		initializationErr = fmt.Errorf("failed to assemble bridge: %w", err)
		return nil, initializationErr
	}
	components.Bridge = br

	logger.Info("Components initialized.",
		zap.String("bridge_id", bridgeID),
		zap.Bool("audit_enabled", cfg.Audit().Enabled))
	return components, nil
}
