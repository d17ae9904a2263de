package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"

	"OpenMCP-Paygate/pkg/logger"
)

// Publisher mirrors stored entries to a downstream consumer. Mirrors are
// best effort: the primary store is the system of record.
type Publisher interface {
	Publish(ctx context.Context, entry Entry) error
	Close() error
}

// MultiSink writes to a primary store and then fans the sealed entry out to
// publishers. Only a primary failure fails Record.
type MultiSink struct {
	Store
	publishers []Publisher
	timeout    time.Duration
	log        *slog.Logger
}

// NewMultiSink wraps primary with the given publishers.
func NewMultiSink(primary Store, publishers ...Publisher) *MultiSink {
	var pubs []Publisher
	for _, p := range publishers {
		if p != nil {
			pubs = append(pubs, p)
		}
	}
	return &MultiSink{Store: primary, publishers: pubs, timeout: 3 * time.Second, log: logger.Named("audit")}
}

// Record stores the entry and mirrors it.
func (m *MultiSink) Record(ctx context.Context, entry Entry) (Entry, error) {
	stored, err := m.Store.Record(ctx, entry)
	if err != nil {
		return Entry{}, err
	}
	for _, p := range m.publishers {
		pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.timeout)
		if err := p.Publish(pubCtx, stored); err != nil {
			m.log.Warn("审计镜像投递失败",
				slog.String("attempt_id", stored.AttemptID),
				slog.Uint64("sequence", stored.Sequence),
				slog.String("error", err.Error()))
		}
		cancel()
	}
	return stored, nil
}

// Close closes publishers then the primary store.
func (m *MultiSink) Close() error {
	var errs []error
	for _, p := range m.publishers {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := m.Store.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// RedisConfig 描述 Redis Stream 镜像参数。
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	Stream   string
	MaxLen   int64
}

// RedisPublisher appends entries to a Redis Stream with XADD.
type RedisPublisher struct {
	client redis.Cmdable
	closer func() error
	stream string
	maxLen int64
}

// NewRedisPublisher 连接 Redis 并返回镜像发布器。
func NewRedisPublisher(ctx context.Context, cfg RedisConfig) (*RedisPublisher, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return newRedisPublisher(client, client.Close, cfg), nil
}

func newRedisPublisher(client redis.Cmdable, closer func() error, cfg RedisConfig) *RedisPublisher {
	stream := cfg.Stream
	if stream == "" {
		stream = "paygate:audit"
	}
	return &RedisPublisher{client: client, closer: closer, stream: stream, maxLen: cfg.MaxLen}
}

// Publish 以 XADD 追加到流，MaxLen 为近似裁剪。
func (p *RedisPublisher) Publish(ctx context.Context, entry Entry) error {
	values, err := streamValues(entry)
	if err != nil {
		return err
	}
	args := &redis.XAddArgs{Stream: p.stream, Values: values}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}
	if err := p.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("Redis XADD 失败: %w", err)
	}
	return nil
}

// Close 关闭 Redis 连接。
func (p *RedisPublisher) Close() error {
	if p == nil || p.closer == nil {
		return nil
	}
	return p.closer()
}

func streamValues(entry Entry) (map[string]interface{}, error) {
	body, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("encode audit entry: %w", err)
	}
	return map[string]interface{}{
		"sequence":   entry.Sequence,
		"attempt_id": entry.AttemptID,
		"phase":      string(entry.Phase),
		"result":     entry.Result,
		"hash":       entry.Hash,
		"entry":      string(body),
	}, nil
}

// RabbitMQConfig 描述 RabbitMQ 投递参数。
type RabbitMQConfig struct {
	URL     string
	Queue   string
	Durable bool
}

// RabbitMQPublisher delivers entries as persistent JSON messages.
type RabbitMQPublisher struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
}

// NewRabbitMQPublisher 连接 RabbitMQ 并声明队列。
func NewRabbitMQPublisher(cfg RabbitMQConfig) (*RabbitMQPublisher, error) {
	if cfg.URL == "" {
		return nil, errors.New("RabbitMQ URL 不能为空")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "paygate.audit"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("连接 RabbitMQ 失败: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("创建 RabbitMQ channel 失败: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, cfg.Durable, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("声明 RabbitMQ 队列失败: %w", err)
	}
	return &RabbitMQPublisher{conn: conn, ch: ch, queue: queue}, nil
}

// Publish 投递一条审计记录。
func (p *RabbitMQPublisher) Publish(ctx context.Context, entry Entry) error {
	if p == nil || p.ch == nil {
		return errors.New("RabbitMQ 发布器未初始化")
	}
	msg, err := amqpMessage(entry)
	if err != nil {
		return err
	}
	return p.ch.PublishWithContext(ctx, "", p.queue, false, false, msg)
}

// Close 关闭 RabbitMQ 连接。
func (p *RabbitMQPublisher) Close() error {
	if p == nil {
		return nil
	}
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

func amqpMessage(entry Entry) (amqp.Publishing, error) {
	body, err := json.Marshal(entry)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("encode audit entry: %w", err)
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    entry.EntryID,
		Timestamp:    entry.RecordedAt,
		Type:         string(entry.Phase),
		Headers:      amqp.Table{"attempt_id": entry.AttemptID, "sequence": int64(entry.Sequence)},
		Body:         body,
	}, nil
}
