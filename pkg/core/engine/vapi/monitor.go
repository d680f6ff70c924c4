package vapi

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voicedesk/voicedesk/pkg/core/call"
)

// MonitorEvents dials a call's monitor listen URL and feeds the decoded call
// events to onEvent until the socket closes or ctx is done. Binary frames
// carry call audio and are skipped; only typed JSON frames are translated.
//
// Returns nil on a clean close or context cancellation.
func MonitorEvents(ctx context.Context, listenURL string, onEvent func(call.Event)) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, listenURL, nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return err
	}
	defer conn.Close()

	logger.InfoContext(ctx, "monitor socket connected", "url", listenURL)

	// Close the socket when ctx ends so the read loop unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutting down"),
				time.Now().Add(time.Second))
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		msgType, payload, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) {
				return netErr
			}
			return err
		}
		if msgType != websocket.TextMessage {
			continue
		}

		env, err := ParseEnvelope(payload)
		if err != nil {
			logger.Warn("undecodable monitor frame", "error", err)
			continue
		}
		for _, ev := range TranslateMessage(env.Message) {
			onEvent(ev)
		}
	}
}
