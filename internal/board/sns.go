package board

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/sns"
	"github.com/aws/aws-sdk-go/service/sns/snsiface"

	"github.com/terrpan/pulsebuild/internal/ci"
)

// snsSubjectMax is the longest subject SNS accepts.
const snsSubjectMax = 100

// SNS publishes announcements to a topic.
type SNS struct {
	client snsiface.SNSAPI
	topic  string
}

var _ ci.Billboard = (*SNS)(nil)

// NewSNS returns a board publishing to topicARN.
func NewSNS(client snsiface.SNSAPI, topicARN string) *SNS {
	return &SNS{client: client, topic: topicARN}
}

// Announce implements ci.Billboard.
func (s *SNS) Announce(ctx context.Context, a ci.Announcement) error {
	subject := Subject(a)
	if len(subject) > snsSubjectMax {
		subject = subject[:snsSubjectMax]
	}
	result := "success"
	if !a.Success {
		result = "failure"
	}
	_, err := s.client.PublishWithContext(ctx, &sns.PublishInput{
		TopicArn: aws.String(s.topic),
		Subject:  aws.String(subject),
		Message:  aws.String(Body(a)),
		MessageAttributes: map[string]*sns.MessageAttributeValue{
			"result": {DataType: aws.String("String"), StringValue: aws.String(result)},
			"branch": {DataType: aws.String("String"), StringValue: aws.String(a.Branch)},
		},
	})
	if err != nil {
		return fmt.Errorf("publishing to %s: %w", s.topic, err)
	}
	return nil
}
