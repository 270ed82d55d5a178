package sqsqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// API is the slice of the SQS client the producer needs.
type API interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

type Producer struct {
	SQS      API
	QueueURL string
}

// TransitionEvent tells downstream CRM consumers that the dispatcher moved a
// conversation.
type TransitionEvent struct {
	RunID          string    `json:"runId"`
	ConversationID int64     `json:"conversationId"`
	From           string    `json:"from"`
	To             string    `json:"to"`
	Action         string    `json:"action,omitempty"`
	OccurredAt     time.Time `json:"occurredAt"`
}

func (p *Producer) PublishTransition(ctx context.Context, ev TransitionEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	in := &sqs.SendMessageInput{
		QueueUrl:    &p.QueueURL,
		MessageBody: str(string(body)),
	}
	if strings.HasSuffix(p.QueueURL, ".fifo") {
		// FIFO ordering per conversation
		in.MessageGroupId = str(messageGroupID(ev.ConversationID))
		in.MessageDeduplicationId = str(fmt.Sprintf("%s:%d", ev.RunID, ev.ConversationID))
	}
	_, err = p.SQS.SendMessage(ctx, in)
	return err
}

func messageGroupID(conversationID int64) string {
	return "conv:" + strconv.FormatInt(conversationID, 10)
}

func str(s string) *string { return &s }
