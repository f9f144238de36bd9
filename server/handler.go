package server

import (
	"context"
	"errors"
	"log/slog"

	"statesaver/service/persist"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
)

func handleHealth(registry *Registry) fiber.Handler {
	return func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{
			"status":   "ok",
			"commands": registry.Commands(),
		})
	}
}

func invokeErrorStatus(err error) int {
	switch {
	case errors.Is(err, ErrUnknownCommand):
		return fiber.StatusNotFound
	case errors.Is(err, persist.ErrClosed):
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusBadRequest
	}
}

func handleInvoke(registry *Registry) fiber.Handler {
	return func(c *fiber.Ctx) error {
		cmd := c.Params("cmd")
		result, err := registry.Invoke(c.UserContext(), cmd, c.Body())
		if err != nil {
			slog.Warn("Invoke failed", "cmd", cmd, "err", err)
			return c.Status(invokeErrorStatus(err)).JSON(fiber.Map{"error": err.Error()})
		}
		return c.Status(fiber.StatusOK).JSON(result)
	}
}

func handleIPCUpgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		slog.Info("IPC connection request", "ip", c.IP())
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

func handleIPCConn(ctx context.Context, registry *Registry) func(conn *websocket.Conn) {
	return func(conn *websocket.Conn) {
		connCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		client := NewIPCClient(conn)
		defer client.Close()

		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					slog.Info("IPC connection closed", "remote_addr", conn.RemoteAddr())
					return
				}
				slog.Error("Failed to read IPC message", "err", err)
				return
			}
			reply := dispatchIPC(connCtx, registry, msg)
			if !client.Send(reply) {
				slog.Warn("IPC send buffer full, closing connection", "remote_addr", conn.RemoteAddr())
				return
			}
		}
	}
}
