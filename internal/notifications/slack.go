package notifications

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/slack-go/slack"

	"github.com/spreadrun/spreadrun/internal/engine"
)

// SlackNotifier posts a summary to a Slack incoming webhook when a batch
// finishes. Delivery is best effort; the engine logs failures and moves on.
type SlackNotifier struct {
	webhookURL string
	client     *http.Client
}

// NewSlackNotifier creates a notifier for the given webhook URL.
func NewSlackNotifier(webhookURL string) *SlackNotifier {
	return &SlackNotifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

// BatchFinished implements the engine's Notifier contract.
func (s *SlackNotifier) BatchFinished(ctx context.Context, batch *engine.Batch) error {
	title := fmt.Sprintf("%s Batch finished: %s", statusEmoji(batch), batch.Name)
	summary := fmt.Sprintf("%d of %d rows succeeded, %d failed, %d skipped in %s",
		batch.Completed, batch.Total, batch.Failed, batch.Skipped, formatDuration(batch))

	blocks := []slack.Block{
		slack.NewSectionBlock(
			slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("*%s*", title), false, false),
			nil,
			nil,
		),
		slack.NewSectionBlock(
			slack.NewTextBlockObject("mrkdwn", summary, false, false),
			nil,
			nil,
		),
	}
	if batch.ErrorMessage != nil && *batch.ErrorMessage != "" {
		blocks = append(blocks, slack.NewSectionBlock(
			slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("```%s```", *batch.ErrorMessage), false, false),
			nil,
			nil,
		))
	}

	msg := &slack.WebhookMessage{
		Text:   fmt.Sprintf("%s: %s", title, summary),
		Blocks: &slack.Blocks{BlockSet: blocks},
	}

	if err := slack.PostWebhookCustomHTTPContext(ctx, s.webhookURL, s.client, msg); err != nil {
		return fmt.Errorf("failed to post batch notification: %w", err)
	}

	log.Info().
		Str("batch_id", batch.ID).
		Str("status", string(batch.Status)).
		Msg("Batch notification sent")
	return nil
}

func statusEmoji(batch *engine.Batch) string {
	switch {
	case batch.Status == engine.BatchStatusFailed:
		return ":x:"
	case batch.Failed > 0:
		return ":warning:"
	default:
		return ":white_check_mark:"
	}
}

func formatDuration(batch *engine.Batch) string {
	if batch.StartedAt == nil || batch.CompletedAt == nil {
		return "n/a"
	}
	d := batch.CompletedAt.Sub(*batch.StartedAt)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	default:
		return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
	}
}
