package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/offline-hub/offline-hub/internal/cache"
)

// 前台发来的控制命令。
const (
	CommandSkipWaiting = "SKIP_WAITING"
	CommandClearCache  = "CLEAR_CACHE"
)

// ErrUnknownCommand 表示消息不是可识别的命令。
var ErrUnknownCommand = errors.New("unknown command")

// MessageResult 是命令执行结果。
type MessageResult struct {
	Command   string   `json:"command"`
	Activated bool     `json:"activated,omitempty"`
	Deleted   []string `json:"deleted,omitempty"`
}

// ParseCommand 接受纯文本、JSON 字符串或 {"type": "..."} 三种形式。
func ParseCommand(raw []byte) (string, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return "", fmt.Errorf("%w: empty message", ErrUnknownCommand)
	}

	var cmd string
	switch trimmed[0] {
	case '"':
		if err := json.Unmarshal(trimmed, &cmd); err != nil {
			return "", fmt.Errorf("%w: %v", ErrUnknownCommand, err)
		}
	case '{':
		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(trimmed, &envelope); err != nil {
			return "", fmt.Errorf("%w: %v", ErrUnknownCommand, err)
		}
		cmd = envelope.Type
	default:
		cmd = string(trimmed)
	}

	cmd = strings.TrimSpace(cmd)
	switch cmd {
	case CommandSkipWaiting, CommandClearCache:
		return cmd, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownCommand, cmd)
	}
}

// HandleMessage 执行前台命令。
func (w *Worker) HandleMessage(ctx context.Context, raw []byte) (MessageResult, error) {
	cmd, err := ParseCommand(raw)
	if err != nil {
		return MessageResult{}, err
	}

	switch cmd {
	case CommandSkipWaiting:
		activated, err := w.SkipWaiting(ctx)
		if err != nil {
			return MessageResult{Command: cmd}, err
		}
		return MessageResult{Command: cmd, Activated: activated}, nil
	default:
		deleted, err := w.ClearAll(ctx)
		return MessageResult{Command: cmd, Deleted: deleted}, err
	}
}

// ClearAll 删除全部缓存存储，不区分版本。持有 lifecycle 写锁，完成前不会有新的写入。
func (w *Worker) ClearAll(ctx context.Context) ([]string, error) {
	w.lifecycle.Lock()
	defer w.lifecycle.Unlock()

	deleted, err := cache.Clear(ctx, w.storage)
	fields := logrus.Fields{"action": "clear_cache", "deleted_stores": deleted}
	if err != nil {
		w.logger.WithFields(fields).WithError(err).Warn("clear cache incomplete")
		return deleted, err
	}
	w.logger.WithFields(fields).Info("all cache stores cleared")
	return deleted, nil
}
