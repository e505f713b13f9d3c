/*
Package sqsbridge consumes IoT rule events from an SQS queue and hands them to the
rotation handler.

A message is deleted from the queue once it was handled or dropped for good. Messages
which failed for a temporary reason stay in the queue and are redelivered after the
visibility timeout.
*/
package sqsbridge

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/relabs-tech/certrotation/core/logger"
	"github.com/relabs-tech/certrotation/iot"
	"github.com/relabs-tech/certrotation/rotation"
)

// API is the part of the SQS client used by the Bridge
type API interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// Bridge polls the queue
type Bridge struct {
	client   API
	queueURL string
	handler  iot.MessageHandler
	workers  int
	waitTime time.Duration
	slowLog  time.Duration
}

// Builder is a builder helper for the Bridge
type Builder struct {
	// Client is the SQS client. This is mandatory.
	Client API
	// QueueURL is the queue the IoT rule sends to. This is mandatory.
	QueueURL string
	// Handler handles the events. This is mandatory.
	Handler iot.MessageHandler
	// Workers is the number of devices handled in parallel, defaults to 4
	Workers int
	// WaitTime is the long polling time, defaults to 20 seconds
	WaitTime time.Duration
}

// NewBridge returns a new bridge. It does not poll until Run or Poll is called.
func NewBridge(b *Builder) *Bridge {
	if b.Client == nil {
		panic("client is missing")
	}
	if b.QueueURL == "" {
		panic("queue url is missing")
	}
	if b.Handler == nil {
		panic("handler is missing")
	}
	workers := b.Workers
	if workers <= 0 {
		workers = 4
	}
	waitTime := b.WaitTime
	if waitTime <= 0 {
		waitTime = 20 * time.Second
	}
	return &Bridge{
		client:   b.Client,
		queueURL: b.QueueURL,
		handler:  b.Handler,
		workers:  workers,
		waitTime: waitTime,
		slowLog:  20 * time.Second,
	}
}

// Run polls until the context is cancelled. Receive errors are logged and retried
// after a pause.
func (b *Bridge) Run(ctx context.Context) error {
	rlog := logger.FromContext(ctx)
	rlog.Infof("polling %s", b.queueURL)
	for {
		if _, err := b.Poll(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			rlog.WithError(err).Errorln("cannot receive rotation events")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(5 * time.Second):
			}
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

type delivery struct {
	message types.Message
	event   iot.RuleEvent
}

// Poll receives one batch of messages and handles it. Messages of the same device are
// handled in queue order, different devices in parallel. It returns the number of
// messages deleted from the queue.
func (b *Bridge) Poll(ctx context.Context) (int, error) {
	out, err := b.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(b.queueURL),
		MaxNumberOfMessages: 10,
		WaitTimeSeconds:     int32(b.waitTime / time.Second),
	})
	if err != nil {
		return 0, fmt.Errorf("receive from %s: %w", b.queueURL, err)
	}

	var groups [][]delivery
	index := map[string]int{}
	deleted := 0
	for _, message := range out.Messages {
		event, err := iot.ParseRuleEvent([]byte(aws.ToString(message.Body)))
		if err != nil {
			logger.FromContext(ctx).WithError(err).Warnf("deleting unreadable message %s", aws.ToString(message.MessageId))
			if b.delete(ctx, message) {
				deleted++
			}
			continue
		}
		key := event.ClientID
		if key == "" {
			key = event.Topic
		}
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], delivery{message: message, event: event})
	}

	jobs := make(chan []delivery)
	var mutex sync.Mutex
	var wg sync.WaitGroup
	for n := 0; n < b.workers && n < len(groups); n++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for group := range jobs {
				for _, d := range group {
					if b.process(ctx, d) {
						mutex.Lock()
						deleted++
						mutex.Unlock()
					}
				}
			}
		}()
	}
	for _, group := range groups {
		jobs <- group
	}
	close(jobs)
	wg.Wait()
	return deleted, nil
}

// process handles one delivery in a panic/recover envelope and reports whether the
// message was deleted
func (b *Bridge) process(ctx context.Context, d delivery) bool {
	ctx, rlog := logger.ContextWithLogger(ctx)
	rlog = rlog.WithField("messageID", aws.ToString(d.message.MessageId))

	timeout := time.AfterFunc(b.slowLog, func() {
		rlog.Errorf("handling %s is taking a long time...", d.event.Topic)
	})
	result := func() (result rotation.Result) {
		defer func() {
			if r := recover(); r != nil {
				result.Err = fmt.Errorf("recovered from panic: %v", r)
				debug.PrintStack()
			}
		}()
		return iot.Dispatch(ctx, b.handler, d.event)
	}()
	timeout.Stop()

	if rotation.Temporary(result.Err) {
		rlog.WithError(result.Err).Warnf("leaving %s in queue for redelivery", d.event.Topic)
		return false
	}
	return b.delete(ctx, d.message)
}

func (b *Bridge) delete(ctx context.Context, message types.Message) bool {
	_, err := b.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(b.queueURL),
		ReceiptHandle: message.ReceiptHandle,
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.FromContext(ctx).WithError(err).Errorf("could not delete processed message %s", aws.ToString(message.MessageId))
		return false
	}
	return err == nil
}
