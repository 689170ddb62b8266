package aws

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// RefreshMessage is the payload sent API -> SQS -> worker to trigger an
// immediate single-job refresh, ahead of the periodic sweep.
type RefreshMessage struct {
	JobID         string `json:"job_id"`
	ResourceKind  string `json:"resource_kind"`
	PrimaryKey    string `json:"primary_key"`
	SecondaryKey  string `json:"secondary_key,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// ParseRefreshMessage decodes a RefreshMessage from a raw SQS body.
func ParseRefreshMessage(body []byte) (RefreshMessage, error) {
	var msg RefreshMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return RefreshMessage{}, fmt.Errorf("decode refresh message: %w", err)
	}
	if msg.JobID == "" {
		return RefreshMessage{}, fmt.Errorf("refresh message missing job_id")
	}
	return msg, nil
}

// Publisher wraps an SQS client and a queue URL.
type Publisher struct {
	SQS      SQSAPI
	QueueURL string
}

// NewPublisher returns a Publisher bound to a queue URL.
func NewPublisher(sqsClient SQSAPI, queueURL string) *Publisher {
	return &Publisher{
		SQS:      sqsClient,
		QueueURL: queueURL,
	}
}

// SendRefreshMessage serializes and sends a RefreshMessage.
func (p *Publisher) SendRefreshMessage(ctx context.Context, msg RefreshMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal refresh message: %w", err)
	}

	bodyStr := string(body)
	input := &sqs.SendMessageInput{
		QueueUrl:    &p.QueueURL,
		MessageBody: &bodyStr,
	}

	attrs := map[string]sqstypes.MessageAttributeValue{
		"resource_kind": {DataType: awsString("String"), StringValue: &msg.ResourceKind},
		"primary_key":   {DataType: awsString("String"), StringValue: &msg.PrimaryKey},
	}
	if msg.CorrelationID != "" {
		corr := msg.CorrelationID
		attrs["correlation_id"] = sqstypes.MessageAttributeValue{DataType: awsString("String"), StringValue: &corr}
	}
	input.MessageAttributes = attrs

	if _, err := p.SQS.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

func awsString(s string) *string { return &s }
