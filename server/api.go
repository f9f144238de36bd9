package server

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net"

	"statesaver/config"

	"github.com/bytedance/sonic"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/keyauth"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/logger"
)

// NewApp builds the API. Commands invoked over IPC run under a context
// derived from ctx and canceled when their connection ends.
func NewApp(ctx context.Context, cfg *config.Config, registry *Registry) *fiber.App {
	app := fiber.New(fiber.Config{
		JSONEncoder:           sonic.Marshal,
		JSONDecoder:           sonic.Unmarshal,
		BodyLimit:             max(cfg.BodyLimit, 1024),
		DisableStartupMessage: true,
	})
	loggerCfg := logger.ConfigDefault
	loggerCfg.Format = "${time} | ${status} | ${latency} | ${ip} | ${method} | ${path} | ${error}\n"
	app.Use(logger.New(loggerCfg))

	rg := app.Group("/api")
	rg.Get("/health", handleHealth(registry))
	rg.Use(limiter.New(limiter.Config{
		Max: max(cfg.APIRPM, 2),
	}))
	if cfg.APIKeyAuth && len(cfg.APIKeys) > 0 {
		rg.Use("/invoke", newKeyAuth(cfg.APIKeys, "header:X-API-Key"))
		// webviews cannot set headers on a websocket handshake
		rg.Use("/ipc", newKeyAuth(cfg.APIKeys, "query:key"))
	}
	rg.Post("/invoke/:cmd", handleInvoke(registry))
	rg.Get("/ipc", handleIPCUpgrade)
	rg.Get("/ipc", websocket.New(handleIPCConn(ctx, registry)))
	return app
}

func newKeyAuth(keys []string, lookup string) fiber.Handler {
	return keyauth.New(keyauth.Config{
		KeyLookup: lookup,
		Validator: func(c *fiber.Ctx, s string) (bool, error) {
			hashedKey := sha256.Sum256([]byte(s))
			for _, key := range keys {
				hashedApiKey := sha256.Sum256([]byte(key))
				if subtle.ConstantTimeCompare(hashedKey[:], hashedApiKey[:]) == 1 {
					return true, nil
				}
			}
			return false, keyauth.ErrMissingOrMalformedAPIKey
		},
	})
}

// ServeAPI runs the invoke API on ln until ctx is done.
func ServeAPI(ctx context.Context, cfg *config.Config, registry *Registry, ln net.Listener) error {
	app := NewApp(ctx, cfg, registry)
	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Listener(ln)
	}()
	slog.Info("API server listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		return fmt.Errorf("API server stopped: %w", err)
	case <-ctx.Done():
	}
	slog.Info("API server is shutting down")
	if err := app.ShutdownWithTimeout(config.ShutdownTimeout); err != nil {
		return fmt.Errorf("failed to gracefully shutdown API server: %w", err)
	}
	slog.Info("API server shutdown successfully")
	return nil
}
