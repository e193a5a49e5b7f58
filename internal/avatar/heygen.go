package avatar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

var ErrMissingAPIKey = errors.New("heygen api key is not configured")

// APIError carries the upstream status so the token broker can mirror it.
// The message is the vendor's own; it never contains the API key.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("heygen api status %d: %s", e.StatusCode, e.Message)
}

type ClientConfig struct {
	APIKey     string
	APIBaseURL string
	WSBaseURL  string
	Timeout    time.Duration
}

// Client talks to the HeyGen streaming API. It issues session tokens and
// dials stream sessions, so it serves as both TokenIssuer and Dialer.
type Client struct {
	cfg    ClientConfig
	client *http.Client
}

func NewClient(cfg ClientConfig) *Client {
	if strings.TrimSpace(cfg.APIBaseURL) == "" {
		cfg.APIBaseURL = "https://api.heygen.com"
	}
	if strings.TrimSpace(cfg.WSBaseURL) == "" {
		cfg.WSBaseURL = "wss://api.heygen.com"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

type createTokenResponse struct {
	Data struct {
		Token string `json:"token"`
	} `json:"data"`
	Message string `json:"message"`
}

// CreateToken requests one short-lived streaming session token. Single
// attempt; a non-2xx upstream status comes back as *APIError.
func (c *Client) CreateToken(ctx context.Context) (string, error) {
	if strings.TrimSpace(c.cfg.APIKey) == "" {
		return "", ErrMissingAPIKey
	}

	endpoint := strings.TrimRight(c.cfg.APIBaseURL, "/") + "/v1/streaming.create_token"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("create token request: %w", err)
	}
	req.Header.Set("x-api-key", c.cfg.APIKey)

	res, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("send token request: %w", err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, 64<<10))
	if err != nil {
		return "", fmt.Errorf("read token response: %w", err)
	}

	var parsed createTokenResponse
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		message := "failed to get token"
		if err := json.Unmarshal(body, &parsed); err == nil && strings.TrimSpace(parsed.Message) != "" {
			message = parsed.Message
		}
		return "", &APIError{StatusCode: res.StatusCode, Message: message}
	}

	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	token := strings.TrimSpace(parsed.Data.Token)
	if token == "" {
		return "", fmt.Errorf("token response contained no token")
	}
	return token, nil
}
