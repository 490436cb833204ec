package provision

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/chainguard-dev/clog"
)

var (
	ErrCallerIdentity = fmt.Errorf("failed to resolve the AWS account")
	ErrTopicLookup    = fmt.Errorf("failed to look up SNS topic")
	ErrTopicCreate    = fmt.Errorf("failed to create SNS topic")
	ErrTopicDelete    = fmt.Errorf("failed to delete SNS topic")
	ErrQueueLookup    = fmt.Errorf("failed to look up SQS queue")
	ErrQueueCreate    = fmt.Errorf("failed to create SQS queue")
	ErrQueuePolicy    = fmt.Errorf("failed to set SQS queue policy")
	ErrQueueDelete    = fmt.Errorf("failed to delete SQS queue")
	ErrSubscribe      = fmt.Errorf("failed to subscribe queue to topic")
)

const (
	awsServiceSNS   = "sns.amazonaws.com"
	sqsActionSend   = "sqs:SendMessage"
	protocolSQS     = "sqs"
	attrQueueArn    = string(sqstypes.QueueAttributeNameQueueArn)
	attrQueuePolicy = string(sqstypes.QueueAttributeNamePolicy)
)

// notifications is the audit-event plumbing: the server publishes to the
// topic and the queue subscribed to it is read by the monitor command.
type notifications struct {
	TopicARN string
	QueueURL string
	QueueARN string
}

func (p *Provisioner) accountID(ctx context.Context) (string, error) {
	result, err := p.Clients.STS.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrCallerIdentity, err)
	}
	return aws.ToString(result.Account), nil
}

func (p *Provisioner) topicARN(account string) string {
	return fmt.Sprintf("arn:aws:sns:%s:%s:%s", p.Config.AWS.Region, account, p.Config.Notifications.Topic)
}

func (t tagSet) sns() []snstypes.Tag {
	out := make([]snstypes.Tag, 0, len(t))
	for _, kv := range t {
		out = append(out, snstypes.Tag{Key: aws.String(kv[0]), Value: aws.String(kv[1])})
	}
	return out
}

// ensureTopic gets or creates the SNS topic and returns its ARN.
func (p *Provisioner) ensureTopic(ctx context.Context, s *stack, account string) (string, error) {
	name := p.Config.Notifications.Topic
	arn := p.topicARN(account)

	describe := func(ctx context.Context) (string, error) {
		_, err := p.Clients.SNS.GetTopicAttributes(ctx, &sns.GetTopicAttributesInput{
			TopicArn: aws.String(arn),
		})
		if IsCode(err, codeSNSNotFound) {
			return "", ErrNotFound
		}
		if err != nil {
			return "", fmt.Errorf("%w: %w", ErrTopicLookup, err)
		}
		return arn, nil
	}
	create := func(ctx context.Context) (string, error) {
		result, err := p.Clients.SNS.CreateTopic(ctx, &sns.CreateTopicInput{
			Name: aws.String(name),
			Tags: p.tags(named(name), component("Notifications")).sns(),
		})
		if err != nil {
			return "", fmt.Errorf("%w: %w", ErrTopicCreate, err)
		}
		return aws.ToString(result.TopicArn), nil
	}

	got, created, err := getOrCreate(ctx, describe, create)
	if err != nil {
		return "", err
	}
	log := clog.FromContext(ctx).With("topic", got)
	if created {
		log.Info("created SNS topic")
		s.Push(func(ctx context.Context) error { return p.deleteTopic(ctx, got) })
	} else {
		log.Info("SNS topic already exists")
	}
	return got, nil
}

func (p *Provisioner) queueURL(ctx context.Context) (string, error) {
	result, err := p.Clients.SQS.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{
		QueueName: aws.String(p.Config.Notifications.Queue),
	})
	if IsCode(err, codeQueueNotFound, codeQueueDoesNotExist) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrQueueLookup, err)
	}
	return aws.ToString(result.QueueUrl), nil
}

// ensureQueue gets or creates the SQS queue and returns its URL and ARN.
func (p *Provisioner) ensureQueue(ctx context.Context, s *stack) (string, string, error) {
	name := p.Config.Notifications.Queue
	create := func(ctx context.Context) (string, error) {
		result, err := p.Clients.SQS.CreateQueue(ctx, &sqs.CreateQueueInput{
			QueueName: aws.String(name),
			Tags:      p.tags(named(name), component("Notifications")).strings(),
		})
		if err != nil {
			return "", fmt.Errorf("%w: %w", ErrQueueCreate, err)
		}
		return aws.ToString(result.QueueUrl), nil
	}

	url, created, err := getOrCreate(ctx, p.queueURL, create, codeQueueNameExists)
	if err != nil {
		return "", "", err
	}
	log := clog.FromContext(ctx).With("queue", url)
	if created {
		log.Info("created SQS queue")
		s.Push(p.deleteQueue)
	} else {
		log.Info("SQS queue already exists")
	}

	attrs, err := p.Clients.SQS.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(url),
		AttributeNames: []sqstypes.QueueAttributeName{sqstypes.QueueAttributeNameQueueArn},
	})
	if err != nil {
		return "", "", fmt.Errorf("%w: %w", ErrQueueLookup, err)
	}
	return url, attrs.Attributes[attrQueueArn], nil
}

// ensureNotifications wires the topic to the queue: both are created when
// missing, the queue policy admits messages from the topic and the queue is
// subscribed to the topic. Every step is idempotent.
func (p *Provisioner) ensureNotifications(ctx context.Context, s *stack) (notifications, error) {
	account, err := p.accountID(ctx)
	if err != nil {
		return notifications{}, err
	}
	topic, err := p.ensureTopic(ctx, s, account)
	if err != nil {
		return notifications{}, err
	}
	url, queueARN, err := p.ensureQueue(ctx, s)
	if err != nil {
		return notifications{}, err
	}

	policy, err := policyDocument{
		Version: iamPolicyVersion,
		Statement: []policyStatement{{
			Effect:    iamEffectAllow,
			Principal: map[string]any{"Service": awsServiceSNS},
			Action:    sqsActionSend,
			Resource:  queueARN,
			Condition: map[string]any{"ArnEquals": map[string]string{"aws:SourceArn": topic}},
		}},
	}.String()
	if err != nil {
		return notifications{}, err
	}
	if _, err := p.Clients.SQS.SetQueueAttributes(ctx, &sqs.SetQueueAttributesInput{
		QueueUrl:   aws.String(url),
		Attributes: map[string]string{attrQueuePolicy: policy},
	}); err != nil {
		return notifications{}, fmt.Errorf("%w: %w", ErrQueuePolicy, err)
	}

	sub, err := p.Clients.SNS.Subscribe(ctx, &sns.SubscribeInput{
		TopicArn:              aws.String(topic),
		Protocol:              aws.String(protocolSQS),
		Endpoint:              aws.String(queueARN),
		ReturnSubscriptionArn: true,
	})
	if err != nil {
		return notifications{}, fmt.Errorf("%w: %w", ErrSubscribe, err)
	}
	clog.FromContext(ctx).Info("queue subscribed to topic", "subscription", aws.ToString(sub.SubscriptionArn))

	return notifications{TopicARN: topic, QueueURL: url, QueueARN: queueARN}, nil
}

// deleteQueue deletes the queue by name. A missing queue is not an error.
func (p *Provisioner) deleteQueue(ctx context.Context) error {
	log := clog.FromContext(ctx)
	url, err := p.queueURL(ctx)
	if errors.Is(err, ErrNotFound) {
		log.Info("SQS queue not found or already deleted", "queue", p.Config.Notifications.Queue)
		return nil
	}
	if err != nil {
		return err
	}
	_, err = p.Clients.SQS.DeleteQueue(ctx, &sqs.DeleteQueueInput{QueueUrl: aws.String(url)})
	if err != nil && !IsCode(err, codeQueueNotFound, codeQueueDoesNotExist) {
		return fmt.Errorf("%w: %w", ErrQueueDelete, err)
	}
	log.Info("deleted SQS queue", "queue", url)
	return nil
}

// deleteTopic deletes the topic, which also removes its subscriptions.
func (p *Provisioner) deleteTopic(ctx context.Context, arn string) error {
	_, err := p.Clients.SNS.DeleteTopic(ctx, &sns.DeleteTopicInput{TopicArn: aws.String(arn)})
	if err != nil && !IsCode(err, codeSNSNotFound) {
		return fmt.Errorf("%w: %w", ErrTopicDelete, err)
	}
	clog.FromContext(ctx).Info("deleted SNS topic", "topic", arn)
	return nil
}
