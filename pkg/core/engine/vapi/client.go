// Package vapi is the client for the VAPI voice engine: assistant and call
// management over its REST API, live call control, the monitor socket, and
// translation of its webhook messages into call events.
package vapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/voicedesk/voicedesk/pkg/core"
)

const defaultBaseURL = "https://api.vapi.ai"

// Call is the engine's view of one created call.
type Call struct {
	ID         string `json:"id"`
	WebCallURL string `json:"webCallUrl,omitempty"`
	Monitor    struct {
		ListenURL  string `json:"listenUrl,omitempty"`
		ControlURL string `json:"controlUrl,omitempty"`
	} `json:"monitor"`
}

// Client talks to the VAPI REST API with the private API key.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithBaseURL overrides the API endpoint. Tests point it at a stub server.
func WithBaseURL(u string) ClientOption {
	return func(c *Client) {
		if u != "" {
			c.baseURL = strings.TrimRight(u, "/")
		}
	}
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// NewClient creates a client. An empty apiKey leaves the engine not ready;
// call control then fails fast instead of sending unauthenticated requests.
func NewClient(apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: defaultBaseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Ready reports whether the client is configured to reach the engine.
func (c *Client) Ready() bool {
	return c != nil && c.apiKey != ""
}

// CreateAssistant registers a new assistant and returns its ID.
func (c *Client) CreateAssistant(ctx context.Context, assistant Assistant) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/assistant", assistant, &out); err != nil {
		return "", err
	}
	logger.InfoContext(ctx, "assistant created", "assistant_id", out.ID)
	return out.ID, nil
}

// UpdateAssistant patches an existing assistant with the latest definition,
// so prompt and tool changes take effect without minting new assistant IDs.
func (c *Client) UpdateAssistant(ctx context.Context, assistantID string, assistant Assistant) error {
	return c.doJSON(ctx, http.MethodPatch, "/assistant/"+assistantID, assistant, nil)
}

// CreateWebCall creates a browser call for an assistant.
func (c *Client) CreateWebCall(ctx context.Context, assistantID string) (Call, error) {
	body := map[string]any{"assistantId": assistantID}
	var out Call
	if err := c.doJSON(ctx, http.MethodPost, "/call/web", body, &out); err != nil {
		return Call{}, err
	}
	return out, nil
}

// CreatePhoneCall creates an outbound phone call for an assistant.
func (c *Client) CreatePhoneCall(ctx context.Context, assistantID, phoneNumber string) (Call, error) {
	body := map[string]any{
		"type":        "outboundPhoneCall",
		"assistantId": assistantID,
		"customer":    map[string]any{"number": phoneNumber},
	}
	var out Call
	if err := c.doJSON(ctx, http.MethodPost, "/call", body, &out); err != nil {
		return Call{}, err
	}
	return out, nil
}

// control posts a live control message to a call's control URL.
func (c *Client) control(ctx context.Context, controlURL string, msg map[string]any) error {
	if controlURL == "" {
		return core.NewEngineError("call has no control channel")
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode control message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, controlURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build control request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return core.NewEngineError("engine control request failed: " + err.Error())
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return engineErrorFromResponse(resp)
	}
	return nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	if !c.Ready() {
		return core.NewEngineError("engine API key is not configured")
	}

	ctx, span := tracer.Start(ctx, "vapi."+strings.ToLower(method)+strings.ReplaceAll(path, "/", "."))
	defer span.End()

	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return core.NewEngineError("engine request failed: " + err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return engineErrorFromResponse(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return core.NewEngineError("decode engine response: " + err.Error())
	}
	return nil
}

// engineErrorFromResponse converts an engine HTTP failure into a typed error
// carrying a bounded slice of the response body for diagnostics.
func engineErrorFromResponse(resp *http.Response) *core.Error {
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	e := core.NewEngineError(fmt.Sprintf("engine returned status %d", resp.StatusCode))
	if len(detail) > 0 {
		e.ProviderError = string(detail)
	}
	return e
}
