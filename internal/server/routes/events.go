package routes

import (
	"bufio"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/offline-hub/offline-hub/internal/clients"
)

const defaultHeartbeat = 15 * time.Second

// serveEvents 注册一个客户端连接，并以 SSE 推送广播消息直到连接断开或进程退出。
func serveEvents(c fiber.Ctx, deps Deps) error {
	pageURL := strings.TrimSpace(c.Query("url"))
	if pageURL == "" {
		pageURL = "/"
	}
	client := deps.Clients.Connect(pageURL, deps.Worker.ControllerVersion())

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	return c.SendStreamWriter(func(w *bufio.Writer) {
		defer deps.Clients.Disconnect(client.ID())
		if err := streamEvents(w, client, deps.Worker.ControllerVersion(), deps.Heartbeat); err != nil {
			deps.Logger.WithFields(logrus.Fields{
				"action":    "client_stream",
				"client_id": client.ID(),
			}).WithError(err).Debug("event stream closed")
		}
	})
}

// streamEvents 先发送 hello 事件（携带 client id），之后逐条转发 outbox 消息；
// outbox 关闭时正常返回，写入失败说明客户端已断开。
func streamEvents(w *bufio.Writer, client *clients.Client, controller string, heartbeat time.Duration) error {
	hello, err := json.Marshal(map[string]string{
		"type":       "HELLO",
		"client_id":  client.ID(),
		"controller": controller,
	})
	if err != nil {
		return err
	}
	if err := writeEvent(w, "hello", hello); err != nil {
		return err
	}

	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()
	for {
		select {
		case msg, ok := <-client.Messages():
			if !ok {
				return nil
			}
			if err := writeEvent(w, "message", msg); err != nil {
				return err
			}
		case <-ticker.C:
			if _, err := w.WriteString(": ping\n\n"); err != nil {
				return err
			}
			if err := w.Flush(); err != nil {
				return err
			}
		}
	}
}

func writeEvent(w *bufio.Writer, event string, data []byte) error {
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	return w.Flush()
}
