package backup

import "context"

// Notifier receives run milestones: backup started, stage finished, run
// failed. Delivery is best effort; the orchestrator logs a failed
// notification and moves on, it never fails a run over it.
type Notifier interface {
	SendMessage(ctx context.Context, text string) error
	SendFile(ctx context.Context, path, caption string) error
}

// NopNotifier discards everything. Used when no notification transport is
// configured.
type NopNotifier struct{}

func (NopNotifier) SendMessage(context.Context, string) error      { return nil }
func (NopNotifier) SendFile(context.Context, string, string) error { return nil }

// notify sends text through n, logging instead of propagating failure.
func notify(ctx context.Context, n Notifier, text string) {
	if n == nil {
		return
	}
	if err := n.SendMessage(ctx, text); err != nil {
		logger.Warnf("failed to deliver notification %q: %v", text, err)
	}
}
