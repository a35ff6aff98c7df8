package notify

import (
	"context"
	"log/slog"

	careAuth "github.com/MrEthical07/careAuth"
)

// LogNotifier writes notices to a logger. The bearer token is only logged at
// DEBUG.
type LogNotifier struct {
	logger *slog.Logger
}

var _ careAuth.Notifier = (*LogNotifier)(nil)

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Send(ctx context.Context, notice careAuth.Notice) error {
	if notice.Kind == "" {
		return ErrInvalidNotice
	}
	n.logger.InfoContext(ctx, "notice",
		"kind", string(notice.Kind),
		"account_id", notice.AccountID,
		"email", notice.Email,
	)
	if notice.Token != "" {
		n.logger.DebugContext(ctx, "notice token",
			"kind", string(notice.Kind),
			"account_id", notice.AccountID,
			"token", notice.Token,
		)
	}
	return nil
}
