// Package token acquires and releases voice channel join credentials
// from the backend REST API.
package token

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/voicecore/verr"
)

// JoinGrant is the credential pair minted by the backend for one channel
// join: the media server URL and a signed access token for it.
type JoinGrant struct {
	LiveURL   string `json:"liveUrl"`
	LiveToken string `json:"liveToken"`
}

// Client talks to the voice channel endpoints of the backend API.
type Client struct {
	baseURL    string
	authToken  string
	httpClient *http.Client
}

// NewClient creates a token client against baseURL, authenticating with
// the given bearer token.
func NewClient(baseURL, authToken string) *Client {
	return &Client{
		baseURL:   baseURL,
		authToken: authToken,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// SetHTTPClient replaces the underlying HTTP client. Used by tests.
func (c *Client) SetHTTPClient(hc *http.Client) {
	c.httpClient = hc
}

// Join requests a join grant for the channel, declaring the initial
// mute/deafen state.
func (c *Client) Join(ctx context.Context, channelID string, mute, deaf bool) (JoinGrant, error) {
	body, err := json.Marshal(map[string]bool{"mute": mute, "deaf": deaf})
	if err != nil {
		return JoinGrant{}, verr.New(verr.CodeUnexpectedError, "encode join request", err)
	}

	url := fmt.Sprintf("%s/voice/channels/%s/join", c.baseURL, channelID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return JoinGrant{}, verr.New(verr.CodeUnexpectedError, "build join request", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.authToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return JoinGrant{}, verr.New(verr.CodeNetworkError, "join request failed", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return JoinGrant{}, verr.New(verr.CodeAuthenticationFailed,
			fmt.Sprintf("join rejected with status %d", resp.StatusCode), nil)
	case resp.StatusCode >= 500:
		return JoinGrant{}, verr.New(verr.CodeServerUnreachable,
			fmt.Sprintf("backend error %d", resp.StatusCode), nil)
	case resp.StatusCode != http.StatusOK:
		return JoinGrant{}, verr.New(verr.CodeConnectionFailed,
			fmt.Sprintf("unexpected join status %d", resp.StatusCode), nil)
	}

	var grant JoinGrant
	if err := json.NewDecoder(resp.Body).Decode(&grant); err != nil {
		return JoinGrant{}, verr.New(verr.CodeUnexpectedError, "decode join response", err)
	}
	if grant.LiveURL == "" || grant.LiveToken == "" {
		return JoinGrant{}, verr.New(verr.CodeUnexpectedError, "join response missing credentials", nil)
	}

	logrus.WithFields(logrus.Fields{
		"function": "token.Client.Join",
		"channel":  channelID,
	}).Info("Join grant acquired")
	return grant, nil
}

// Leave notifies the backend that the client left the channel. Leave is
// best effort: failures are logged and swallowed, never raised, because
// the session teardown must not block on the control plane.
func (c *Client) Leave(ctx context.Context, channelID string) {
	url := fmt.Sprintf("%s/voice/channels/%s/leave", c.baseURL, channelID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return
	}
	req.Header.Set("Authorization", "Bearer "+c.authToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "token.Client.Leave",
			"channel":  channelID,
			"error":    err.Error(),
		}).Warn("Leave notification failed")
		return
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		logrus.WithFields(logrus.Fields{
			"function": "token.Client.Leave",
			"channel":  channelID,
			"status":   resp.StatusCode,
		}).Warn("Leave notification rejected")
	}
}
