package credentialpool

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/slack-go/slack"
)

// SlackNotifier posts a message to a fixed channel whenever a credential is
// auto-disabled, so an operator can investigate and re-enable it.
type SlackNotifier struct {
	client  *slack.Client
	channel string
	log     *slog.Logger
}

// NewSlackNotifier builds a SlackNotifier. If token or channel is empty,
// callers should pass nil for the Notifier instead of constructing one.
func NewSlackNotifier(token, channel string, log *slog.Logger) *SlackNotifier {
	return &SlackNotifier{client: slack.New(token), channel: channel, log: log}
}

func (n *SlackNotifier) NotifyAutoDisabled(ctx context.Context, credentialID uuid.UUID, kind FatalKind) {
	text := fmt.Sprintf("upstream credential %s auto-disabled (%s)", credentialID, kind)
	if _, _, err := n.client.PostMessageContext(ctx, n.channel, slack.MsgOptionText(text, false)); err != nil {
		n.log.Warn("slack notify failed", "error", err, "credential_id", credentialID)
	}
}
