package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"OpenLLM-Relay/pkg/logger"
)

// RabbitMQConfig 描述事件交换机的连接参数。
type RabbitMQConfig struct {
	URL        string
	Exchange   string
	RoutingKey string
	Buffer     int
	Timeout    time.Duration
}

// ErrSinkFull 表示缓冲区已满，事件被丢弃。
var ErrSinkFull = errors.New("事件缓冲区已满")

type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// RabbitMQSink 将事件序列化为 JSON 异步投递到 RabbitMQ。Emit 只入队，不等待 broker。
type RabbitMQSink struct {
	conn       *amqp.Connection
	ch         *amqp.Channel
	pub        publisher
	exchange   string
	routingKey string
	timeout    time.Duration
	queue      chan Event
	done       chan struct{}
	stopped    chan struct{}
	closeOnce  sync.Once
	logger     *slog.Logger
}

// NewRabbitMQSink 建立连接并声明 topic 交换机。
func NewRabbitMQSink(cfg RabbitMQConfig) (*RabbitMQSink, error) {
	if cfg.URL == "" {
		return nil, errors.New("RabbitMQ URL 不能为空")
	}
	exchange := cfg.Exchange
	if exchange == "" {
		exchange = "relay.events"
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
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("声明 RabbitMQ 交换机失败: %w", err)
	}
	cfg.Exchange = exchange
	sink := newRabbitMQSink(ch, cfg)
	sink.conn = conn
	sink.ch = ch
	return sink, nil
}

func newRabbitMQSink(pub publisher, cfg RabbitMQConfig) *RabbitMQSink {
	buffer := cfg.Buffer
	if buffer <= 0 {
		buffer = 1024
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	routingKey := cfg.RoutingKey
	if routingKey == "" {
		routingKey = "relay"
	}
	s := &RabbitMQSink{
		pub:        pub,
		exchange:   cfg.Exchange,
		routingKey: routingKey,
		timeout:    timeout,
		queue:      make(chan Event, buffer),
		done:       make(chan struct{}),
		stopped:    make(chan struct{}),
		logger:     logger.Named("events.rabbitmq"),
	}
	go s.loop()
	return s
}

// Emit 实现 Sink。缓冲区满时立即返回 ErrSinkFull。
func (s *RabbitMQSink) Emit(_ context.Context, event Event) error {
	select {
	case <-s.done:
		return errors.New("RabbitMQ sink 已关闭")
	default:
	}
	select {
	case s.queue <- event:
		return nil
	default:
		return ErrSinkFull
	}
}

func (s *RabbitMQSink) loop() {
	defer close(s.stopped)
	for {
		select {
		case <-s.done:
			s.drain()
			return
		case event := <-s.queue:
			s.publish(event)
		}
	}
}

func (s *RabbitMQSink) drain() {
	for {
		select {
		case event := <-s.queue:
			s.publish(event)
		default:
			return
		}
	}
}

func (s *RabbitMQSink) publish(event Event) {
	body, err := json.Marshal(event)
	if err != nil {
		s.logger.Warn("序列化事件失败", slog.Any("error", err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	key := s.routingKey + "." + string(event.Type)
	err = s.pub.PublishWithContext(ctx, s.exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    event.RequestID,
		Timestamp:    event.OccurredAt,
		Type:         string(event.Type),
		Body:         body,
	})
	if err != nil {
		s.logger.Warn("投递事件到 RabbitMQ 失败", slog.String("type", string(event.Type)), slog.Any("error", err))
	}
}

// Close 刷出缓冲区中的事件后关闭连接。
func (s *RabbitMQSink) Close() error {
	if s == nil {
		return nil
	}
	s.closeOnce.Do(func() { close(s.done) })
	<-s.stopped
	var err error
	if s.ch != nil {
		err = errors.Join(err, s.ch.Close())
	}
	if s.conn != nil {
		err = errors.Join(err, s.conn.Close())
	}
	return err
}
