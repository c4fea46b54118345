package board

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/terrpan/pulsebuild/internal/ci"
)

// slackTailLines bounds the output quoted in a message.
const slackTailLines = 10

type slackMsg struct {
	Username    string            `json:"username,omitempty"`
	Text        string            `json:"text"`
	Attachments []slackAttachment `json:"attachments,omitempty"`
}

type slackAttachment struct {
	Fallback string   `json:"fallback,omitempty"`
	Text     string   `json:"text"`
	Author   string   `json:"author_name,omitempty"`
	Color    string   `json:"color,omitempty"`
	Markdown []string `json:"mrkdwn_in,omitempty"`
}

// Slack posts announcements to an incoming webhook.
type Slack struct {
	hookURL  string
	username string
	client   *http.Client
}

var _ ci.Billboard = (*Slack)(nil)

// NewSlack returns a board posting to hookURL.
func NewSlack(hookURL, username string) *Slack {
	return &Slack{
		hookURL:  hookURL,
		username: username,
		client:   &http.Client{Timeout: 5 * time.Second},
	}
}

// Announce implements ci.Billboard.
func (s *Slack) Announce(ctx context.Context, a ci.Announcement) error {
	color := "good"
	if !a.Success {
		color = "danger"
	}
	att := slackAttachment{
		Fallback: Subject(a),
		Author:   a.Author,
		Color:    color,
		Markdown: []string{"text"},
	}
	if tail := a.Tail; len(tail) > 0 {
		if len(tail) > slackTailLines {
			tail = tail[len(tail)-slackTailLines:]
		}
		att.Text = "```\n" + strings.Join(tail, "\n") + "\n```"
	}

	body, err := json.Marshal(slackMsg{
		Username:    s.username,
		Text:        Subject(a),
		Attachments: []slackAttachment{att},
	})
	if err != nil {
		return fmt.Errorf("encoding slack message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.hookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting to slack: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("slack webhook returned %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}
	return nil
}
