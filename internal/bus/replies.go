package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

const replyTimeout = 5 * time.Second

// Confirmer applies a human decision to a pending confirmation
type Confirmer interface {
	Confirm(ctx context.Context, id string, approved bool) error
}

// ConfirmationReply is a decision received on the reply subject
type ConfirmationReply struct {
	ID       string `json:"id"`
	Approved bool   `json:"approved"`
	Operator string `json:"operator,omitempty"`
}

// ReplyAck answers request-style replies
type ReplyAck struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// SubscribeReplies routes confirmation decisions from the bus to the confirmer
func SubscribeReplies(nc *nats.Conn, subjects Subjects, confirmer Confirmer, logger *slog.Logger) (*nats.Subscription, error) {
	sub, err := nc.Subscribe(subjects.ConfirmationReplies(), func(msg *nats.Msg) {
		ack := handleReply(msg.Data, confirmer, logger)
		if msg.Reply == "" {
			return
		}
		data, _ := json.Marshal(ack)
		if err := msg.Respond(data); err != nil {
			logger.Warn("Failed to acknowledge confirmation reply", "error", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subjects.ConfirmationReplies(), err)
	}

	logger.Info("Subscribed to confirmation replies", "subject", subjects.ConfirmationReplies())
	return sub, nil
}

func handleReply(data []byte, confirmer Confirmer, logger *slog.Logger) ReplyAck {
	var reply ConfirmationReply
	if err := json.Unmarshal(data, &reply); err != nil {
		logger.Warn("Invalid confirmation reply", "error", err)
		return ReplyAck{Error: "invalid reply payload"}
	}
	if reply.ID == "" {
		return ReplyAck{Error: "id is required"}
	}

	ctx, cancel := context.WithTimeout(context.Background(), replyTimeout)
	defer cancel()

	if err := confirmer.Confirm(ctx, reply.ID, reply.Approved); err != nil {
		logger.Warn("Confirmation reply rejected", "confirmation_id", reply.ID, "error", err)
		return ReplyAck{Error: err.Error()}
	}

	logger.Info("Confirmation reply applied",
		"confirmation_id", reply.ID,
		"approved", reply.Approved,
		"operator", reply.Operator)
	return ReplyAck{OK: true}
}
