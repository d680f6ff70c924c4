package vapi

import (
	"context"
	"sync"
)

// EngineSession binds one engine call to the session controller. It satisfies
// the call package's Engine interface: Start creates the call, Stop and
// SetMuted go over the live control channel, and termination is only ever
// confirmed by the engine's own events.
type EngineSession struct {
	client *Client

	// phoneNumber selects an outbound phone call; empty means a web call
	// answered in the browser.
	phoneNumber string

	mu         sync.Mutex
	callID     string
	webCallURL string
	listenURL  string
	controlURL string
	muted      bool
}

// NewEngineSession creates the per-call engine binding. phoneNumber is empty
// for browser calls.
func (c *Client) NewEngineSession(phoneNumber string) *EngineSession {
	return &EngineSession{client: c, phoneNumber: phoneNumber}
}

// Ready reports whether the underlying client can reach the engine.
func (e *EngineSession) Ready() bool {
	return e != nil && e.client.Ready()
}

// Start creates the engine call for the assistant and records its control
// endpoints.
func (e *EngineSession) Start(ctx context.Context, assistantID string) error {
	var (
		created Call
		err     error
	)
	if e.phoneNumber != "" {
		created, err = e.client.CreatePhoneCall(ctx, assistantID, e.phoneNumber)
	} else {
		created, err = e.client.CreateWebCall(ctx, assistantID)
	}
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.callID = created.ID
	e.webCallURL = created.WebCallURL
	e.listenURL = created.Monitor.ListenURL
	e.controlURL = created.Monitor.ControlURL
	e.mu.Unlock()

	logger.InfoContext(ctx, "engine call created", "call_id", created.ID, "phone", e.phoneNumber != "")
	return nil
}

// Stop asks the engine to end the call. The call is only considered over
// when the engine's call-ended event arrives.
func (e *EngineSession) Stop(ctx context.Context) error {
	e.mu.Lock()
	controlURL := e.controlURL
	e.mu.Unlock()
	return e.client.control(ctx, controlURL, map[string]any{"type": "end-call"})
}

// SetMuted asks the engine to mute or unmute the assistant.
func (e *EngineSession) SetMuted(ctx context.Context, muted bool) error {
	e.mu.Lock()
	controlURL := e.controlURL
	e.mu.Unlock()

	control := "unmute-assistant"
	if muted {
		control = "mute-assistant"
	}
	if err := e.client.control(ctx, controlURL, map[string]any{"type": "control", "control": control}); err != nil {
		return err
	}

	e.mu.Lock()
	e.muted = muted
	e.mu.Unlock()
	return nil
}

// CallID returns the engine's identifier for the created call.
func (e *EngineSession) CallID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.callID
}

// WebCallURL returns the browser join URL for web calls.
func (e *EngineSession) WebCallURL() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.webCallURL
}

// ListenURL returns the monitor socket URL for the created call.
func (e *EngineSession) ListenURL() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.listenURL
}
