package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"scriptcron/internal/core"
)

// Channel names accepted in a task's notification config.
const (
	ChannelBark    = "bark"
	ChannelWebhook = "webhook"
)

// Notifier delivers a single message.
type Notifier interface {
	Send(ctx context.Context, title, body string) error
}

// MultiNotifier combines multiple notifiers.
type MultiNotifier struct {
	notifiers []Notifier
}

func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

// Send tries every notifier and joins their errors.
func (m *MultiNotifier) Send(ctx context.Context, title, body string) error {
	var errs []error
	for _, n := range m.notifiers {
		if err := n.Send(ctx, title, body); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NoOpNotifier does nothing.
type NoOpNotifier struct{}

func (n *NoOpNotifier) Send(ctx context.Context, title, body string) error {
	return nil
}

// Dispatcher routes execution outcomes to the channels a task asks for.
// Channels configured at startup are the defaults; a task may point a channel
// at its own endpoint through notification.config ("bark_url", "bark_group",
// "webhook_url").
type Dispatcher struct {
	channels map[string]Notifier
	logger   *slog.Logger
}

// NewDispatcher creates a dispatcher over the given default channels. Nil
// notifiers are ignored.
func NewDispatcher(channels map[string]Notifier, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{channels: make(map[string]Notifier), logger: logger}
	for name, n := range channels {
		if n != nil {
			d.channels[strings.ToLower(name)] = n
		}
	}
	return d
}

// Notify implements core.Notifier.
func (d *Dispatcher) Notify(ctx context.Context, task *core.Task, execution *core.Execution) error {
	cfg := task.Notification
	if cfg == nil || !cfg.Enabled {
		return nil
	}
	targets, err := d.resolve(cfg)
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		d.logger.Debug("no notification channel available", "task_id", task.ID)
		return nil
	}
	title, body := Format(task, execution)
	return NewMultiNotifier(targets...).Send(ctx, title, body)
}

func (d *Dispatcher) resolve(cfg *core.Notification) ([]Notifier, error) {
	names := cfg.Channels
	if len(names) == 0 {
		for name := range d.channels {
			names = append(names, name)
		}
	}
	var (
		targets []Notifier
		errs    []error
	)
	for _, raw := range names {
		name := strings.ToLower(strings.TrimSpace(raw))
		n, err := d.channel(name, cfg.Config)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if n != nil {
			targets = append(targets, n)
		}
	}
	return targets, errors.Join(errs...)
}

func (d *Dispatcher) channel(name string, overrides map[string]string) (Notifier, error) {
	switch name {
	case ChannelBark:
		if url := overrides["bark_url"]; url != "" {
			n, err := NewBarkNotifier(url)
			if err != nil {
				return nil, err
			}
			return n.WithGroup(overrides["bark_group"]), nil
		}
	case ChannelWebhook:
		if url := overrides["webhook_url"]; url != "" {
			return NewWebhookNotifier(url)
		}
	default:
		if _, ok := d.channels[name]; !ok {
			return nil, fmt.Errorf("unknown notification channel %q", name)
		}
	}
	return d.channels[name], nil
}

// Format renders the title and body announcing an execution.
func Format(task *core.Task, execution *core.Execution) (string, string) {
	label := "失败"
	switch execution.Status {
	case core.ExecutionSuccess:
		label = "成功"
	case core.ExecutionTimeout:
		label = "超时"
	case core.ExecutionCancelled:
		label = "已取消"
	}
	title := fmt.Sprintf("任务%s: %s", label, task.Name)

	var b strings.Builder
	fmt.Fprintf(&b, "任务 ID: %s\n", task.ID)
	fmt.Fprintf(&b, "执行 ID: %s\n", execution.ID)
	fmt.Fprintf(&b, "状态: %s\n", execution.Status)
	if execution.DurationSeconds != nil {
		fmt.Fprintf(&b, "耗时: %.2f 秒\n", *execution.DurationSeconds)
	}
	if execution.ExitCode != nil {
		fmt.Fprintf(&b, "退出码: %d\n", *execution.ExitCode)
	}
	if execution.Error != "" {
		fmt.Fprintf(&b, "错误: %s\n", truncate(execution.Error, 500))
	}
	return title, strings.TrimRight(b.String(), "\n")
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "..."
}
