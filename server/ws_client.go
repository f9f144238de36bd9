package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"statesaver/config"

	"github.com/gofiber/contrib/websocket"
)

// IPCRequest mirrors a front-end invoke call. ID is chosen by the caller and
// echoed in the reply.
type IPCRequest struct {
	ID   uint64          `json:"id"`
	Cmd  string          `json:"cmd"`
	Args json.RawMessage `json:"args"`
}

type IPCResponse struct {
	ID     uint64 `json:"id"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

func dispatchIPC(ctx context.Context, registry *Registry, msg []byte) []byte {
	var req IPCRequest
	resp := IPCResponse{}
	if err := codec.Unmarshal(msg, &req); err != nil {
		resp.Error = "malformed request: " + err.Error()
	} else {
		resp.ID = req.ID
		result, err := registry.Invoke(ctx, req.Cmd, req.Args)
		if err != nil {
			slog.Warn("IPC invoke failed", "id", req.ID, "cmd", req.Cmd, "err", err)
			resp.Error = err.Error()
		} else {
			resp.Result = result
		}
	}
	out, err := codec.Marshal(resp)
	if err != nil {
		slog.Error("Failed to encode IPC response", "id", resp.ID, "err", err)
		out, _ = codec.Marshal(IPCResponse{ID: resp.ID, Error: "failed to encode result"})
	}
	return out
}

// IPCClient owns the write side of one IPC connection.
type IPCClient struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func NewIPCClient(conn *websocket.Conn) *IPCClient {
	c := &IPCClient{
		conn: conn,
		send: make(chan []byte, config.WSSendBuffer),
		done: make(chan struct{}),
	}
	go c.writePump()
	return c
}

func (c *IPCClient) writePump() {
	defer close(c.done)
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(config.WSWriteTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			slog.Error("IPC client write error", "err", err)
			break
		}
	}
	c.conn.Close()
}

// Send queues msg without blocking. Must not be called after Close.
func (c *IPCClient) Send(msg []byte) bool {
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// Close flushes queued replies and waits for the write pump to exit. The
// connection is released by the websocket handler once it returns.
func (c *IPCClient) Close() {
	c.once.Do(func() {
		close(c.send)
	})
	<-c.done
}
