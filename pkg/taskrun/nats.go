package taskrun

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
)

// NATSClient sends task requests over NATS request/reply. Subjects are
// <prefix>.trigger.<taskID>, <prefix>.status and <prefix>.cancel.
type NATSClient struct {
	nc     *nats.Conn
	prefix string
}

// NewNATSClient wraps an established connection.
func NewNATSClient(nc *nats.Conn, prefix string) *NATSClient {
	return &NATSClient{nc: nc, prefix: prefix}
}

type natsRequest struct {
	ID      string         `json:"id,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

type natsReply struct {
	Status
	Err string `json:"err,omitempty"`
}

func (c *NATSClient) Trigger(ctx context.Context, taskID string, payload map[string]any) (string, error) {
	reply, err := c.request(ctx, c.prefix+".trigger."+taskID, natsRequest{Payload: payload})
	if err != nil {
		return "", fmt.Errorf("trigger %s: %w", taskID, err)
	}
	return triggerHandle(taskID, reply)
}

func triggerHandle(taskID string, reply *natsReply) (string, error) {
	if reply.Handle == "" {
		return "", fmt.Errorf("trigger %s: reply has no task handle", taskID)
	}
	return reply.Handle, nil
}

func (c *NATSClient) Status(ctx context.Context, handle string) (*Status, error) {
	reply, err := c.request(ctx, c.prefix+".status", natsRequest{ID: handle})
	if err != nil {
		return nil, fmt.Errorf("get task run %s: %w", handle, err)
	}
	s := reply.Status
	s.State = NormalizeState(string(s.State))
	return &s, nil
}

func (c *NATSClient) Cancel(ctx context.Context, handle string) error {
	if _, err := c.request(ctx, c.prefix+".cancel", natsRequest{ID: handle}); err != nil {
		return fmt.Errorf("cancel task run %s: %w", handle, err)
	}
	return nil
}

func (c *NATSClient) request(ctx context.Context, subject string, body natsRequest) (*natsReply, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	msg, err := c.nc.RequestWithContext(ctx, subject, data)
	if err != nil {
		return nil, fmt.Errorf("nats request %s: %w", subject, err)
	}
	var reply natsReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return nil, fmt.Errorf("decode reply: %w", err)
	}
	if reply.Err != "" {
		return nil, errors.New(reply.Err)
	}
	return &reply, nil
}

// Serve exposes runner on the NATS subjects NATSClient uses, so task workers
// can host a Local runner behind the bus. Unsubscribe the returned
// subscription to stop serving.
func Serve(nc *nats.Conn, prefix string, runner Runner) (*nats.Subscription, error) {
	return nc.Subscribe(prefix+".>", func(msg *nats.Msg) {
		var req natsRequest
		var reply natsReply
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			reply.Err = "decode request: " + err.Error()
			respond(msg, reply)
			return
		}

		ctx := context.Background()
		switch sub := strings.TrimPrefix(msg.Subject, prefix+"."); {
		case strings.HasPrefix(sub, "trigger."):
			handle, err := runner.Trigger(ctx, strings.TrimPrefix(sub, "trigger."), req.Payload)
			if err != nil {
				reply.Err = err.Error()
			}
			reply.Handle = handle
			reply.State = StateQueued
		case sub == "status":
			s, err := runner.Status(ctx, req.ID)
			if err != nil {
				reply.Err = err.Error()
			} else {
				reply.Status = *s
			}
		case sub == "cancel":
			if err := runner.Cancel(ctx, req.ID); err != nil {
				reply.Err = err.Error()
			}
		default:
			reply.Err = "unknown subject " + msg.Subject
		}
		respond(msg, reply)
	})
}

func respond(msg *nats.Msg, reply natsReply) {
	data, err := json.Marshal(reply)
	if err != nil {
		slog.Error("Failed to encode task reply", "subject", msg.Subject, "error", err)
		return
	}
	if err := msg.Respond(data); err != nil {
		slog.Error("Failed to send task reply", "subject", msg.Subject, "error", err)
	}
}
