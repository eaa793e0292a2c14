package events

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const (
	defaultRedisStream = "bitriver:relay:events"
	defaultRedisGroup  = "relay-audit"
	payloadField       = "payload"
	readBatch          = 32
)

// RedisTLSConfig controls TLS for Redis connections.
type RedisTLSConfig struct {
	CAFile             string
	CertFile           string
	KeyFile            string
	ServerName         string
	InsecureSkipVerify bool
}

// RedisQueueConfig configures the Redis Streams queue. Every relay instance
// publishes into one stream; subscribers share a consumer group so each event
// is handled once across the deployment.
type RedisQueueConfig struct {
	Addr         string
	Addrs        []string
	MasterName   string
	Username     string
	Password     string
	Stream       string
	Group        string
	MaxLen       int64
	Buffer       int
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	BlockTimeout time.Duration
	TLS          RedisTLSConfig
	Logger       *slog.Logger
}

// NewRedisQueue connects to Redis and makes sure the consumer group exists.
func NewRedisQueue(ctx context.Context, cfg RedisQueueConfig) (Queue, error) {
	addrs := make([]string, 0, len(cfg.Addrs)+1)
	for _, addr := range append(append([]string{}, cfg.Addrs...), cfg.Addr) {
		if trimmed := strings.TrimSpace(addr); trimmed != "" {
			addrs = append(addrs, trimmed)
		}
	}
	if len(addrs) == 0 {
		return nil, errors.New("redis addr is required")
	}
	tlsConfig, err := buildTLSConfig(cfg.TLS)
	if err != nil {
		return nil, err
	}

	q := &redisQueue{
		client: redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:        addrs,
			MasterName:   strings.TrimSpace(cfg.MasterName),
			Username:     strings.TrimSpace(cfg.Username),
			Password:     cfg.Password,
			TLSConfig:    tlsConfig,
			DialTimeout:  cfg.DialTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			PoolSize:     cfg.PoolSize,
			MaxRetries:   2,
		}),
		stream:       firstNonEmpty(cfg.Stream, defaultRedisStream),
		group:        firstNonEmpty(cfg.Group, defaultRedisGroup),
		maxLen:       cfg.MaxLen,
		buffer:       cfg.Buffer,
		blockTimeout: cfg.BlockTimeout,
		logger:       cfg.Logger,
	}
	if q.buffer <= 0 {
		q.buffer = 128
	}
	if q.blockTimeout <= 0 {
		q.blockTimeout = 2 * time.Second
	}
	if q.logger == nil {
		q.logger = slog.Default()
	}
	if err := q.ensureGroup(ctx); err != nil {
		q.client.Close()
		return nil, fmt.Errorf("create redis consumer group: %w", err)
	}
	return q, nil
}

type redisQueue struct {
	client       redis.UniversalClient
	stream       string
	group        string
	maxLen       int64
	buffer       int
	blockTimeout time.Duration
	logger       *slog.Logger

	groupMu    sync.Mutex
	groupReady atomic.Bool
}

func (q *redisQueue) Publish(ctx context.Context, event Event) error {
	if event.Type == "" {
		return ErrEventType
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return q.add(ctx, payload)
}

func (q *redisQueue) add(ctx context.Context, payload []byte) error {
	args := &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]any{payloadField: string(payload)},
	}
	if q.maxLen > 0 {
		args.MaxLen = q.maxLen
		args.Approx = true
	}
	return q.client.XAdd(ctx, args).Err()
}

func (q *redisQueue) Subscribe() Subscription {
	ctx, cancel := context.WithCancel(context.Background())
	sub := &redisSubscription{
		queue:    q,
		consumer: randomConsumerID(),
		cancel:   cancel,
		ch:       make(chan Event, q.buffer),
		done:     make(chan struct{}),
	}
	go sub.run(ctx)
	return sub
}

func (q *redisQueue) Close() error {
	return q.client.Close()
}

func (q *redisQueue) ensureGroup(ctx context.Context) error {
	if q.groupReady.Load() {
		return nil
	}
	q.groupMu.Lock()
	defer q.groupMu.Unlock()
	if q.groupReady.Load() {
		return nil
	}
	err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "$").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return err
	}
	q.groupReady.Store(true)
	return nil
}

type redisSubscription struct {
	queue    *redisQueue
	consumer string
	cancel   context.CancelFunc
	ch       chan Event
	done     chan struct{}
	once     sync.Once
}

func (s *redisSubscription) Events() <-chan Event {
	return s.ch
}

// Close stops reading and waits for the read loop to hand back anything it
// had claimed.
func (s *redisSubscription) Close() {
	s.once.Do(func() {
		s.cancel()
		<-s.done
	})
}

func (s *redisSubscription) run(ctx context.Context) {
	defer close(s.done)
	defer close(s.ch)
	logger := s.queue.logger
	for ctx.Err() == nil {
		if err := s.queue.ensureGroup(ctx); err != nil {
			if ctx.Err() == nil {
				logger.Warn("redis consumer group unavailable", "error", err)
				sleepCtx(ctx, 200*time.Millisecond)
			}
			continue
		}
		streams, err := s.queue.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    s.queue.group,
			Consumer: s.consumer,
			Streams:  []string{s.queue.stream, ">"},
			Count:    readBatch,
			Block:    s.queue.blockTimeout,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			logger.Warn("redis queue read failed", "error", err)
			sleepCtx(ctx, 200*time.Millisecond)
			continue
		}
		for _, st := range streams {
			for i, msg := range st.Messages {
				if !s.deliver(ctx, msg) {
					s.requeue(st.Messages[i:])
					return
				}
			}
		}
	}
}

// deliver hands one message to the subscriber and acknowledges it. It reports
// false when the subscription was cancelled first.
func (s *redisSubscription) deliver(ctx context.Context, msg redis.XMessage) bool {
	raw, _ := msg.Values[payloadField].(string)
	var event Event
	if err := json.Unmarshal([]byte(raw), &event); err != nil {
		s.queue.logger.Error("redis queue decode failed", "id", msg.ID, "error", err)
		s.ack(ctx, msg.ID)
		return true
	}
	select {
	case s.ch <- event:
		s.ack(ctx, msg.ID)
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *redisSubscription) ack(ctx context.Context, id string) {
	if err := s.queue.client.XAck(ctx, s.queue.stream, s.queue.group, id).Err(); err != nil {
		s.queue.logger.Warn("redis ack failed", "id", id, "error", err)
	}
}

// requeue acknowledges claimed but undelivered messages and appends them again
// so another subscriber picks them up.
func (s *redisSubscription) requeue(messages []redis.XMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for _, msg := range messages {
		s.ack(ctx, msg.ID)
		raw, _ := msg.Values[payloadField].(string)
		if raw == "" {
			continue
		}
		if err := s.queue.add(ctx, []byte(raw)); err != nil {
			s.queue.logger.Warn("redis requeue failed", "id", msg.ID, "error", err)
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func randomConsumerID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("relay-%d", time.Now().UnixNano())
	}
	return "relay-" + hex.EncodeToString(buf)
}

func buildTLSConfig(cfg RedisTLSConfig) (*tls.Config, error) {
	if cfg.CAFile == "" && cfg.CertFile == "" && cfg.KeyFile == "" && !cfg.InsecureSkipVerify {
		return nil, nil
	}
	tlsCfg := &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify, ServerName: cfg.ServerName, MinVersion: tls.VersionTLS12}
	if cfg.CAFile != "" {
		pemData, err := os.ReadFile(filepath.Clean(cfg.CAFile))
		if err != nil {
			return nil, fmt.Errorf("read redis tls ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, errors.New("redis tls ca is invalid")
		}
		tlsCfg.RootCAs = pool
	}
	if cfg.CertFile != "" || cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(filepath.Clean(cfg.CertFile), filepath.Clean(cfg.KeyFile))
		if err != nil {
			return nil, fmt.Errorf("load redis tls certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}
