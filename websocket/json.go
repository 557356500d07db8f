package websocket

import (
	"context"
	"encoding/json"
)

// SendJSON marshals v and sends it as a single Text message.
func (c *Client) SendJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return newErr(KindUsage, "Client.SendJSON", err)
	}
	return c.Send(ctx, TextMessage, data)
}

// ReceiveJSON receives the next message and unmarshals it into v. It fails
// with a Protocol error if the message was Binary rather than Text.
func (c *Client) ReceiveJSON(ctx context.Context, v any) error {
	mt, payload, err := c.Receive(ctx)
	if err != nil {
		return err
	}
	if mt != TextMessage {
		return newErr(KindProtocol, "Client.ReceiveJSON", ErrInvalidOpcode)
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return newErr(KindProtocol, "Client.ReceiveJSON", err)
	}
	return nil
}
