package alert

import (
	"context"
	"regexp"
)

// htmlTags matches the simple markup callers may embed in messages. The
// Telegram channel speaks Markdown, so tags are stripped before dispatch.
var htmlTags = regexp.MustCompile(`</?[a-zA-Z][^>]*>`)

// Notifier adapts the AlertManager to the core.INotifier capability. Urgent
// messages map to CRITICAL alerts.
type Notifier struct {
	manager *AlertManager
}

func NewNotifier(manager *AlertManager) *Notifier {
	return &Notifier{manager: manager}
}

func (n *Notifier) Send(ctx context.Context, message string, urgent bool) bool {
	clean := htmlTags.ReplaceAllString(message, "")

	level := Info
	title := "Trader"
	if urgent {
		level = Critical
		title = "Trader ALERT"
	}
	n.manager.Alert(ctx, title, clean, level, nil)
	return true
}

// NopNotifier is used when no notifier credentials are configured.
type NopNotifier struct{}

func (NopNotifier) Send(ctx context.Context, message string, urgent bool) bool { return true }
