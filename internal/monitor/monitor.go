// Package monitor prints the audit notifications the server publishes to SNS,
// as delivered to the subscribed SQS queue.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/aws/smithy-go"
	"github.com/chainguard-dev/clog"
)

// SQSAPI is the subset of the SQS client the monitor uses.
type SQSAPI interface {
	GetQueueUrl(ctx context.Context, params *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
	GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
}

var (
	ErrQueueNotFound = fmt.Errorf("notification queue not found; run 'musicdeploy deploy' first")
	ErrQueueLookup   = fmt.Errorf("failed to look up notification queue")
	ErrReceive       = fmt.Errorf("failed to receive messages")
)

const (
	batchSize     = 10
	drainWait     = 2
	watchWait     = 20
	maxEmptyReads = 5
	messageWidth  = 150
	separator     = "------------------------------------------------------------"
)

// ResolveQueue returns the URL of the queue called 'name'.
func ResolveQueue(ctx context.Context, client SQSAPI, name string) (string, error) {
	result, err := client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(name)})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			switch apiErr.ErrorCode() {
			case "AWS.SimpleQueueService.NonExistentQueue", "QueueDoesNotExist":
				return "", fmt.Errorf("%w: %s", ErrQueueNotFound, name)
			}
		}
		return "", fmt.Errorf("%w: %w", ErrQueueLookup, err)
	}
	return aws.ToString(result.QueueUrl), nil
}

// Envelope is the JSON document SNS delivers to an SQS subscriber.
type Envelope struct {
	Type      string `json:"Type"`
	MessageID string `json:"MessageId"`
	TopicARN  string `json:"TopicArn"`
	Subject   string `json:"Subject"`
	Message   string `json:"Message"`
	Timestamp string `json:"Timestamp"`
}

// Monitor reads a queue and writes every notification it has not shown yet
// to Out. Messages are left on the queue.
type Monitor struct {
	Client   SQSAPI
	QueueURL string
	Out      io.Writer

	// EmptyPause separates the empty reads that end Drain.
	EmptyPause time.Duration
	// ErrorPause is how long Watch backs off after a failed receive.
	ErrorPause time.Duration

	seen  map[string]struct{}
	count int
}

// New returns a Monitor with the default pauses.
func New(client SQSAPI, queueURL string, out io.Writer) *Monitor {
	return &Monitor{
		Client:     client,
		QueueURL:   queueURL,
		Out:        out,
		EmptyPause: time.Second,
		ErrorPause: 5 * time.Second,
	}
}

// Count returns how many distinct messages have been shown.
func (m *Monitor) Count() int { return m.count }

// Approximate returns SQS's estimate of the number of visible messages.
func (m *Monitor) Approximate(ctx context.Context) (int, error) {
	result, err := m.Client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(m.QueueURL),
		AttributeNames: []sqstypes.QueueAttributeName{sqstypes.QueueAttributeNameApproximateNumberOfMessages},
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrQueueLookup, err)
	}
	return strconv.Atoi(result.Attributes[string(sqstypes.QueueAttributeNameApproximateNumberOfMessages)])
}

// Drain shows the messages already waiting on the queue. It returns once
// five consecutive short polls come back without anything new.
func (m *Monitor) Drain(ctx context.Context) (int, error) {
	log := clog.FromContext(ctx)
	total, empty := 0, 0
	for empty < maxEmptyReads {
		n, err := m.receive(ctx, drainWait, "EXISTING")
		if err != nil {
			return total, err
		}
		if n > 0 {
			total += n
			empty = 0
			log.Debug("batch read", "messages", n, "total", total)
			continue
		}
		empty++
		if empty < maxEmptyReads {
			log.Debug("no messages in batch, retrying", "attempt", empty, "of", maxEmptyReads)
			if err := sleep(ctx, m.EmptyPause); err != nil {
				return total, err
			}
		}
	}
	return total, nil
}

// Watch long-polls the queue until 'ctx' is cancelled. Receive errors are
// logged and retried. It returns the number of new messages shown.
func (m *Monitor) Watch(ctx context.Context) int {
	log := clog.FromContext(ctx)
	total := 0
	for ctx.Err() == nil {
		n, err := m.receive(ctx, watchWait, "NEW")
		switch {
		case ctx.Err() != nil:
		case err != nil:
			log.Error("failed reading queue", "error", err)
			_ = sleep(ctx, m.ErrorPause)
		case n == 0:
			log.Debug("waiting for new messages", "total", m.count)
		default:
			total += n
		}
	}
	return total
}

// receive performs one ReceiveMessage call and shows the messages not seen
// before, returning how many there were.
func (m *Monitor) receive(ctx context.Context, wait int32, label string) (int, error) {
	result, err := m.Client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(m.QueueURL),
		MaxNumberOfMessages:   batchSize,
		WaitTimeSeconds:       wait,
		MessageAttributeNames: []string{"All"},
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrReceive, err)
	}
	if m.seen == nil {
		m.seen = make(map[string]struct{})
	}

	n := 0
	for _, msg := range result.Messages {
		id := aws.ToString(msg.MessageId)
		if _, ok := m.seen[id]; ok {
			continue
		}
		m.seen[id] = struct{}{}
		var env Envelope
		if err := json.Unmarshal([]byte(aws.ToString(msg.Body)), &env); err != nil {
			clog.FromContext(ctx).Warn("received non-JSON message", "id", id, "body", Truncate(aws.ToString(msg.Body), 100))
			continue
		}
		m.count++
		n++
		m.show(label, env)
	}
	return n, nil
}

func (m *Monitor) show(label string, env Envelope) {
	fmt.Fprintf(m.Out, "\n[%s] %s\n", label, FormatTimestamp(env.Timestamp))
	fmt.Fprintf(m.Out, "  Subject: %s\n", orNA(env.Subject))
	fmt.Fprintf(m.Out, "  Message: %s\n", Truncate(env.Message, messageWidth))
	fmt.Fprintf(m.Out, "  Topic:   %s\n", orNA(ShortTopic(env.TopicARN)))
	fmt.Fprintln(m.Out, separator)
}

// ShortTopic returns the topic name from its ARN.
func ShortTopic(arn string) string {
	return arn[strings.LastIndexByte(arn, ':')+1:]
}

// Truncate shortens 's' to 'n' runes, marking the cut with "...".
func Truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}

// FormatTimestamp renders an SNS timestamp in UTC, or returns it unchanged
// when it cannot be parsed.
func FormatTimestamp(ts string) string {
	if ts == "" {
		return "N/A"
	}
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return ts
	}
	return t.UTC().Format("2006-01-02 15:04:05 UTC")
}

func orNA(s string) string {
	if s == "" {
		return "N/A"
	}
	return s
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
