package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"listing-sentinel/internal/model"
)

type teamsMessage struct {
	Type     string         `json:"@type"`
	Context  string         `json:"@context"`
	Title    string         `json:"title"`
	Text     string         `json:"text"`
	Sections []teamsSection `json:"sections,omitempty"`
}

type teamsSection struct {
	ActivityTitle string      `json:"activityTitle,omitempty"`
	Facts         []teamsFact `json:"facts,omitempty"`
	Markdown      bool        `json:"markdown,omitempty"`
}

type teamsFact struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Teams posts MessageCards to an incoming webhook.
type Teams struct {
	webhookURL string
	client     *resty.Client
	formatter  Formatter
	logger     zerolog.Logger
}

// NewTeams constructs the Teams channel.
func NewTeams(webhookURL string, timeout time.Duration, formatter Formatter, logger zerolog.Logger) *Teams {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Teams{
		webhookURL: webhookURL,
		client:     resty.New().SetTimeout(timeout),
		formatter:  formatter,
		logger:     logger.With().Str("component", "alert_teams").Logger(),
	}
}

func (t *Teams) Deliver(ctx context.Context, ev model.AlertEvent) error {
	resp, err := t.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(t.buildMessage(ev)).
		Post(t.webhookURL)
	if err != nil {
		return fmt.Errorf("send teams message: %w", err)
	}
	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		return fmt.Errorf("teams webhook returned status %d: %s", resp.StatusCode(), string(resp.Body()))
	}

	t.logger.Info().Str("listing_id", ev.ListingID).Str("kind", string(ev.Kind)).Msg("alert sent to teams")
	return nil
}

func (t *Teams) buildMessage(ev model.AlertEvent) *teamsMessage {
	facts := []teamsFact{
		{Name: "Listing", Value: ev.ListingID},
		{Name: "Kind", Value: string(ev.Kind)},
		{Name: "Change", Value: fmt.Sprintf("%.2f", ev.DeltaPct)},
		{Name: "Generated", Value: ev.At.UTC().Format("2006-01-02 15:04:05 UTC")},
	}
	if ev.Kind.IsPrice() && ev.Snapshot.Recommendation != "" {
		facts = append(facts, teamsFact{Name: "Deal score", Value: fmt.Sprintf("%d/100 %s", ev.Snapshot.DealScore, ev.Snapshot.Recommendation)})
	}

	return &teamsMessage{
		Type:    "MessageCard",
		Context: "https://schema.org/extensions",
		Title:   t.formatter.Subject(ev),
		Text:    t.formatter.Text(ev),
		Sections: []teamsSection{{
			ActivityTitle: "Details",
			Facts:         facts,
			Markdown:      true,
		}},
	}
}

var _ Dispatcher = (*Teams)(nil)
