package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"github.com/score-tracker/internal/config"
	"github.com/score-tracker/internal/domain"
	"github.com/score-tracker/internal/metrics"
)

// Message outcomes, used as the metrics label
const (
	resultStored  = "stored"
	resultInvalid = "invalid"
	resultFailed  = "failed"
)

// ScoreHandler processes score submissions
type ScoreHandler interface {
	SubmitScore(ctx context.Context, submission domain.ScoreSubmission) (*domain.ScoreEntry, error)
}

// Consumer consumes score messages from Kafka
type Consumer struct {
	config        *config.KafkaConfig
	handler       ScoreHandler
	logger        *slog.Logger
	metrics       *metrics.Metrics
	consumerGroup sarama.ConsumerGroup
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
}

// NewConsumer creates a new Kafka consumer
func NewConsumer(cfg *config.KafkaConfig, handler ScoreHandler, logger *slog.Logger) (*Consumer, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Version = sarama.V3_0_0_0
	saramaConfig.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	saramaConfig.Consumer.Offsets.Initial = sarama.OffsetNewest
	saramaConfig.Consumer.Return.Errors = true

	consumerGroup, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, saramaConfig)
	if err != nil {
		return nil, err
	}

	c := newConsumer(cfg, handler, logger)
	c.consumerGroup = consumerGroup
	return c, nil
}

func newConsumer(cfg *config.KafkaConfig, handler ScoreHandler, logger *slog.Logger) *Consumer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		config:  cfg,
		handler: handler,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// SetMetrics attaches the message outcome counter
func (c *Consumer) SetMetrics(m *metrics.Metrics) {
	c.metrics = m
}

// Start joins the consumer group and waits for the first session. If the
// first Consume call fails or no session starts within the start timeout,
// everything is torn down and the error is returned.
func (c *Consumer) Start() error {
	c.logger.Info("starting Kafka consumer",
		"brokers", c.config.Brokers,
		"topic", c.config.Topic,
		"group_id", c.config.GroupID,
	)

	ready := make(chan struct{})
	var readyOnce sync.Once
	markReady := func() { readyOnce.Do(func() { close(ready) }) }
	firstErr := make(chan error, 1)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			handler := &consumerGroupHandler{
				consumer: c,
				ready:    markReady,
			}

			if err := c.consumerGroup.Consume(c.ctx, []string{c.config.Topic}, handler); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return
				}
				c.logger.Error("error from consumer", "error", err)
				select {
				case firstErr <- err:
				default:
				}
			}

			// Back off before rejoining
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(c.config.RetryDelay):
			}
		}
	}()

	// Handle errors in separate goroutine
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-c.ctx.Done():
				return
			case err, ok := <-c.consumerGroup.Errors():
				if !ok {
					return
				}
				c.logger.Error("consumer group error", "error", err)
			}
		}
	}()

	timeout := time.NewTimer(c.config.StartTimeout)
	defer timeout.Stop()

	select {
	case <-ready:
		c.logger.Info("Kafka consumer ready")
		return nil
	case err := <-firstErr:
		c.shutdown()
		return fmt.Errorf("joining consumer group: %w", err)
	case <-timeout.C:
		c.shutdown()
		return fmt.Errorf("joining consumer group: no session within %s", c.config.StartTimeout)
	}
}

// Stop gracefully stops the consumer
func (c *Consumer) Stop() error {
	c.logger.Info("stopping Kafka consumer")
	return c.shutdown()
}

func (c *Consumer) shutdown() error {
	c.cancel()
	c.wg.Wait()
	return c.consumerGroup.Close()
}

// handleMessage submits one message. Undecodable or incomplete messages are
// dropped; store outages are retried up to the configured attempts.
func (c *Consumer) handleMessage(ctx context.Context, msg *sarama.ConsumerMessage) string {
	submission, err := domain.DecodeSubmission(msg.Value)
	if err == nil {
		err = submission.Validate()
	}
	if domain.IsValidationError(err) {
		c.logger.Warn("invalid score message",
			"error", err,
			"offset", msg.Offset,
			"partition", msg.Partition,
		)
		return c.record(resultInvalid)
	}

	attempts := c.config.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 1; ; attempt++ {
		entry, err := c.submit(ctx, submission)
		if err == nil {
			c.logger.Debug("stored score from kafka", "score_id", entry.ID, "offset", msg.Offset)
			return c.record(resultStored)
		}
		if domain.IsValidationError(err) {
			c.logger.Warn("score message rejected", "error", err, "offset", msg.Offset)
			return c.record(resultInvalid)
		}

		if !errors.Is(err, domain.ErrStoreUnavailable) || attempt >= attempts {
			c.logger.Error("failed to store score message",
				"error", err,
				"offset", msg.Offset,
				"partition", msg.Partition,
				"attempts", attempt,
			)
			return c.record(resultFailed)
		}

		select {
		case <-ctx.Done():
			return c.record(resultFailed)
		case <-time.After(c.config.RetryDelay):
		}
	}
}

func (c *Consumer) submit(ctx context.Context, submission domain.ScoreSubmission) (*domain.ScoreEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return c.handler.SubmitScore(ctx, submission)
}

func (c *Consumer) record(result string) string {
	if c.metrics != nil {
		c.metrics.KafkaMessages.WithLabelValues(result).Inc()
	}
	return result
}

// consumerGroupHandler implements sarama.ConsumerGroupHandler
type consumerGroupHandler struct {
	consumer *Consumer
	ready    func()
}

// Setup is called at the beginning of a new session
func (h *consumerGroupHandler) Setup(sarama.ConsumerGroupSession) error {
	h.ready()
	return nil
}

// Cleanup is called at the end of a session
func (h *consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim processes messages from a topic partition. Every message is
// marked once handled, whatever its outcome.
func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case <-session.Context().Done():
			return nil

		case message, ok := <-claim.Messages():
			if !ok {
				return nil
			}

			h.consumer.handleMessage(session.Context(), message)
			session.MarkMessage(message, "")
		}
	}
}

// Message is the JSON payload of a score message
type Message struct {
	UserID      string                 `json:"user_id"`
	Username    string                 `json:"username"`
	Score       interface{}            `json:"score"`
	GameDetails map[string]interface{} `json:"game_details,omitempty"`
}
