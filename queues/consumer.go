package queues

import (
	"context"
	"sync"
	"time"

	"github.com/Yulian302/lfusys-services-migrator/logging"
	"github.com/Yulian302/lfusys-services-migrator/metrics"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"golang.org/x/sync/errgroup"
)

// MessageHandler processes one message body. Returned errors are logged;
// the message is deleted either way because the recovery monitor owns
// retries.
type MessageHandler interface {
	Handle(ctx context.Context, body []byte) error
}

type HandlerFunc func(ctx context.Context, body []byte) error

func (f HandlerFunc) Handle(ctx context.Context, body []byte) error {
	return f(ctx, body)
}

type ConsumerConfig struct {
	Name              string
	QueueURL          string
	Concurrency       int
	WaitTimeSeconds   int32
	VisibilityTimeout int32
}

type Consumer struct {
	client  SQSAPI
	cfg     ConsumerConfig
	handler MessageHandler

	logger  logging.Logger
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewConsumer(
	parent context.Context,
	client SQSAPI,
	cfg ConsumerConfig,
	handler MessageHandler,
	l logging.Logger,
	m *metrics.Metrics,
) *Consumer {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}

	ctx, cancel := context.WithCancel(parent)

	return &Consumer{
		client:  client,
		cfg:     cfg,
		handler: handler,
		logger:  l.With("queue", cfg.Name),
		metrics: m,
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (c *Consumer) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		_ = c.pollLoop()
	}()
}

func (c *Consumer) pollLoop() error {
	c.logger.Info("consumer started", "concurrency", c.cfg.Concurrency)

	for {
		select {
		case <-c.ctx.Done():
			c.logger.Info("consumer stopped")
			return c.ctx.Err()
		default:
		}

		out, err := c.client.ReceiveMessage(c.ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(c.cfg.QueueURL),
			MaxNumberOfMessages: int32(min(c.cfg.Concurrency, 10)),
			WaitTimeSeconds:     c.cfg.WaitTimeSeconds, // long poll
			VisibilityTimeout:   c.cfg.VisibilityTimeout,
		})
		if err != nil {
			if c.ctx.Err() != nil {
				continue
			}
			c.logger.Warn("failed to receive messages", "error", err)
			select {
			case <-c.ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}

		g := new(errgroup.Group)
		g.SetLimit(c.cfg.Concurrency)
		for _, msg := range out.Messages {
			g.Go(func() error {
				c.handleMessage(c.ctx, msg)
				return nil
			})
		}
		_ = g.Wait()
	}
}

func (c *Consumer) handleMessage(ctx context.Context, msg types.Message) {
	if msg.Body == nil {
		c.deleteMessage(ctx, msg)
		return
	}

	err := c.handler.Handle(ctx, []byte(*msg.Body))

	// interrupted by shutdown, let the visibility timeout hand it back
	if ctx.Err() != nil {
		c.metrics.Message(c.cfg.Name, "interrupted")
		return
	}

	if err != nil {
		c.metrics.Message(c.cfg.Name, "error")
		c.logger.Error("message handling failed", "message_id", aws.ToString(msg.MessageId), "error", err)
	} else {
		c.metrics.Message(c.cfg.Name, "ok")
	}

	c.deleteMessage(ctx, msg)
}

func (c *Consumer) deleteMessage(ctx context.Context, msg types.Message) {
	_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.cfg.QueueURL),
		ReceiptHandle: msg.ReceiptHandle,
	})
	if err != nil {
		c.logger.Warn("failed to delete message", "message_id", aws.ToString(msg.MessageId), "error", err)
	}
}

func (c *Consumer) Shutdown(ctx context.Context) error {
	c.cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
