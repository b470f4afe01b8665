package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// SlackAlerter posts alerts to a Slack incoming webhook
type SlackAlerter struct {
	webhookURL string
	client     *http.Client
	now        func() time.Time
}

// SlackMessage is the webhook payload
type SlackMessage struct {
	Text        string            `json:"text"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

// SlackAttachment is a coloured block under the message text
type SlackAttachment struct {
	Color  string       `json:"color"`
	Title  string       `json:"title,omitempty"`
	Text   string       `json:"text"`
	Fields []SlackField `json:"fields,omitempty"`
	Footer string       `json:"footer,omitempty"`
	TS     int64        `json:"ts,omitempty"`
}

// SlackField is a short key/value pair rendered in columns
type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// NewSlackAlerter creates a Slack alerter. An empty URL disables it.
func NewSlackAlerter(webhookURL string) *SlackAlerter {
	return &SlackAlerter{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
		now:        time.Now,
	}
}

// SlackColor maps an alert level onto an attachment colour
func SlackColor(l AlertLevel) string {
	switch l {
	case AlertSuccess:
		return "good"
	case AlertWarning:
		return "warning"
	case AlertError:
		return "danger"
	default:
		return "#439FE0"
	}
}

func (s *SlackAlerter) message(a Alert) SlackMessage {
	att := SlackAttachment{
		Color:  SlackColor(a.Level),
		Text:   a.Message,
		Footer: "analysis-orch",
		TS:     s.now().Unix(),
	}
	if a.JobID != 0 {
		att.Title = fmt.Sprintf("Job #%d", a.JobID)
		att.Fields = []SlackField{
			{Title: "Job", Value: strconv.FormatInt(a.JobID, 10), Short: true},
			{Title: "User", Value: strconv.FormatInt(a.UserID, 10), Short: true},
		}
	}
	return SlackMessage{Text: a.Title, Attachments: []SlackAttachment{att}}
}

// Alert posts the alert to the webhook
func (s *SlackAlerter) Alert(ctx context.Context, a Alert) error {
	if s.webhookURL == "" {
		return nil
	}

	payload, err := json.Marshal(s.message(a))
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting to slack: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack returned %d", resp.StatusCode)
	}
	return nil
}
