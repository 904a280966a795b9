package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	"chathub/internal/chat"
	"chathub/internal/model"
)

// Frame types.
const (
	frameInvoke     = "invoke"
	frameEvent      = "event"
	frameCompletion = "completion"
	framePing       = "ping"
	framePong       = "pong"
)

// Invocation targets, matched case-insensitively.
const (
	targetJoinConversation = "joinconversation"
	targetSendMessage      = "sendmessage"
	targetConfirmDelivery  = "confirmdelivery"
	targetConfirmRead      = "confirmread"
)

// Transport-level completion codes, next to the ones chat.Code returns.
const (
	codeBadFrame      = "bad_frame"
	codeUnknownTarget = "unknown_target"
	codeRateLimited   = "rate_limited"
)

var (
	errUnknownTarget = errors.New("unknown target")
	errRateLimited   = errors.New("rate limit exceeded")
	errBadFrame      = errors.New("malformed frame")
)

type inboundFrame struct {
	Type         string            `json:"type"`
	InvocationID string            `json:"invocationId,omitempty"`
	Target       string            `json:"target,omitempty"`
	Arguments    []json.RawMessage `json:"arguments,omitempty"`
}

type outboundFrame struct {
	Type         string            `json:"type"`
	InvocationID string            `json:"invocationId,omitempty"`
	Target       string            `json:"target,omitempty"`
	Arguments    []json.RawMessage `json:"arguments,omitempty"`
	Result       any               `json:"result,omitempty"`
	Error        *frameError       `json:"error,omitempty"`
}

type frameError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// receiptResult is the completion result of ConfirmDelivery and ConfirmRead.
type receiptResult struct {
	MessageID int64 `json:"messageId"`
	Changed   bool  `json:"changed"`
}

func eventFrame(ev chat.Event) ([]byte, error) {
	return json.Marshal(outboundFrame{
		Type:      frameEvent,
		Target:    ev.Name,
		Arguments: []json.RawMessage{ev.Data},
	})
}

func completionFrame(invocationID string, result any, err error) ([]byte, error) {
	frame := outboundFrame{Type: frameCompletion, InvocationID: invocationID}
	if err != nil {
		frame.Error = &frameError{Code: errorCode(err), Message: err.Error()}
	} else {
		frame.Result = result
	}
	return json.Marshal(frame)
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, errBadFrame):
		return codeBadFrame
	case errors.Is(err, errUnknownTarget):
		return codeUnknownTarget
	case errors.Is(err, errRateLimited):
		return codeRateLimited
	default:
		return chat.Code(err)
	}
}

// invoke runs one invocation against the hub and returns its result.
func (c *Client) invoke(ctx context.Context, frame inboundFrame) (any, error) {
	hub := c.handler.Hub
	switch strings.ToLower(frame.Target) {
	case targetJoinConversation:
		other, err := int64Arg(frame.Arguments, 0)
		if err != nil {
			return nil, c.reject(frame.Target, fmt.Errorf("%w: other user: %v", chat.ErrInvalidParticipants, err))
		}
		var self int64
		if len(frame.Arguments) > 1 {
			if self, err = int64Arg(frame.Arguments, 1); err != nil {
				return nil, c.reject(frame.Target, fmt.Errorf("%w: own user: %v", chat.ErrInvalidParticipants, err))
			}
		}
		key, err := hub.JoinConversation(ctx, c.id, other, self)
		if err != nil {
			return nil, err
		}
		return key.String(), nil

	case targetSendMessage:
		if len(frame.Arguments) == 0 {
			return nil, c.reject(frame.Target, fmt.Errorf("%w: message payload is required", chat.ErrInvalidMessage))
		}
		var dto model.CreateMessageDTO
		if err := json.Unmarshal(frame.Arguments[0], &dto); err != nil {
			return nil, c.reject(frame.Target, fmt.Errorf("%w: %v", chat.ErrInvalidMessage, err))
		}
		return hub.SendMessage(ctx, c.id, dto)

	case targetConfirmDelivery, targetConfirmRead:
		messageID, err := int64Arg(frame.Arguments, 0)
		if err != nil {
			return nil, c.reject(frame.Target, fmt.Errorf("%w: message id: %v", chat.ErrNotFound, err))
		}
		confirm := hub.ConfirmDelivery
		if strings.EqualFold(frame.Target, targetConfirmRead) {
			confirm = hub.ConfirmRead
		}
		receipt, err := confirm(ctx, c.id, messageID)
		if err != nil {
			return nil, err
		}
		return receiptResult{MessageID: receipt.MessageID, Changed: receipt.Changed}, nil

	default:
		return nil, c.reject(frame.Target, fmt.Errorf("%w %q", errUnknownTarget, frame.Target))
	}
}

// reject logs an invocation refused before it reached the hub.
func (c *Client) reject(target string, err error) error {
	log.Printf("[WebSocket] ⚠️ %s from %s rejected (%s): %v", target, c.addr, errorCode(err), err)
	return err
}

func int64Arg(args []json.RawMessage, i int) (int64, error) {
	if i >= len(args) {
		return 0, fmt.Errorf("argument %d is missing", i)
	}
	var v int64
	if err := json.Unmarshal(args[i], &v); err != nil {
		return 0, fmt.Errorf("argument %d: %w", i, err)
	}
	return v, nil
}
