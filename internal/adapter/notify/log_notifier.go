package notify

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/rl1809/cart-store/internal/core/domain"
)

// LogNotifier surfaces notices as warning log entries.
type LogNotifier struct {
	log logrus.FieldLogger
}

func NewLogNotifier(log logrus.FieldLogger) *LogNotifier {
	return &LogNotifier{log: log}
}

func (n *LogNotifier) Notify(ctx context.Context, notice domain.Notice) {
	n.log.WithField("notice_kind", notice.Kind).Warn(notice.Message)
}
