package dialogue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var ErrMissingAPIKey = errors.New("voiceflow api key is not configured")

type VoiceflowConfig struct {
	APIKey    string
	BaseURL   string
	VersionID string
	Timeout   time.Duration
}

// VoiceflowClient calls the Voiceflow general runtime interact endpoint.
type VoiceflowClient struct {
	cfg    VoiceflowConfig
	client *http.Client
}

func NewVoiceflowClient(cfg VoiceflowConfig) *VoiceflowClient {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://general-runtime.voiceflow.com"
	}
	if strings.TrimSpace(cfg.VersionID) == "" {
		cfg.VersionID = "production"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 8 * time.Second
	}
	return &VoiceflowClient{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

type interactRequest struct {
	Action interactAction `json:"action"`
}

type interactAction struct {
	Type    string `json:"type"`
	Payload string `json:"payload"`
}

// Respond sends the utterance as a text action and concatenates the text
// traces of the response. Single attempt, no retry; the returned reply is
// never empty on success.
func (c *VoiceflowClient) Respond(ctx context.Context, conversationID, utterance string) (string, error) {
	if strings.TrimSpace(c.cfg.APIKey) == "" {
		return "", ErrMissingAPIKey
	}
	if strings.TrimSpace(conversationID) == "" {
		return "", fmt.Errorf("conversation id is required")
	}

	payload, err := json.Marshal(interactRequest{
		Action: interactAction{Type: "text", Payload: utterance},
	})
	if err != nil {
		return "", fmt.Errorf("marshal interact request: %w", err)
	}

	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/state/user/" + url.PathEscape(conversationID) + "/interact"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create interact request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", c.cfg.APIKey)
	req.Header.Set("versionID", c.cfg.VersionID)

	res, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("send interact request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		// Keep the raw body server-side for diagnosis; callers get a generic error.
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		log.Printf("voiceflow interact error: status=%d body=%s", res.StatusCode, string(body))
		return "", fmt.Errorf("voiceflow http status %d", res.StatusCode)
	}

	var traces []Trace
	if err := json.NewDecoder(res.Body).Decode(&traces); err != nil {
		return "", fmt.Errorf("decode interact response: %w", err)
	}

	reply := ReplyFromTraces(traces)
	if reply == "" {
		return FallbackReply, nil
	}
	return reply, nil
}
