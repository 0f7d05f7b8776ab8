// Package notify adapts the Outcome Sink's Notifier hook to real
// alerting channels, so a Hanging or Crashed outcome reaches a human
// without them having to watch the run.
package notify

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/slack-go/slack"

	"github.com/swarmtest/resilient-runner/internal/sink"
)

// SlackChannel posts a Block Kit message for every Hanging or Crashed
// outcome the Sink records. Adapted from the teacher's
// notifications.SlackChannel DeliveryChannel, trimmed of the
// per-workspace/per-user database fan-out that channel does — this
// runner posts to a single fixed channel rather than resolving
// per-organisation Slack connections.
type SlackChannel struct {
	client    *slack.Client
	channelID string
}

// NewSlackChannel builds a SlackChannel posting with token to channelID.
func NewSlackChannel(token, channelID string) (*SlackChannel, error) {
	if token == "" {
		return nil, fmt.Errorf("notify: slack token cannot be empty")
	}
	if channelID == "" {
		return nil, fmt.Errorf("notify: slack channel id cannot be empty")
	}
	return &SlackChannel{client: slack.New(token), channelID: channelID}, nil
}

// Name implements sink.Notifier.
func (c *SlackChannel) Name() string { return "slack" }

// Notify implements sink.Notifier.
func (c *SlackChannel) Notify(ctx context.Context, o sink.Outcome) {
	blocks := c.buildMessageBlocks(o)
	fallback := fmt.Sprintf("%s: %s", o.Status, o.DisplayName)

	_, _, err := c.client.PostMessageContext(ctx, c.channelID,
		slack.MsgOptionBlocks(blocks...),
		slack.MsgOptionText(fallback, false),
	)
	if err != nil {
		log.Warn().
			Err(err).
			Str("test_id", string(o.TestId)).
			Str("status", string(o.Status)).
			Msg("notify: failed to deliver slack message")
		return
	}

	log.Info().
		Str("test_id", string(o.TestId)).
		Str("status", string(o.Status)).
		Msg("notify: slack message sent")
}

func (c *SlackChannel) buildMessageBlocks(o sink.Outcome) []slack.Block {
	heading := fmt.Sprintf("*%s* — %s", o.Status, o.DisplayName)
	blocks := []slack.Block{
		slack.NewSectionBlock(
			slack.NewTextBlockObject("mrkdwn", heading, false, false),
			nil, nil,
		),
	}

	detail := o.ErrorMessage
	if detail == "" {
		detail = o.Reason
	}
	if detail != "" {
		blocks = append(blocks, slack.NewSectionBlock(
			slack.NewTextBlockObject("mrkdwn", "```\n"+detail+"\n```", false, false),
			nil, nil,
		))
	}

	if o.StackTrace != "" {
		blocks = append(blocks, slack.NewSectionBlock(
			slack.NewTextBlockObject("mrkdwn", "```\n"+truncate(o.StackTrace, 2800)+"\n```", false, false),
			nil, nil,
		))
	}

	return blocks
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "\n... (truncated)"
}
