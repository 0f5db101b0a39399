// Package settlement 异步地把 pending 交易推进到 confirmed 或 failed。
// 执行服务追加交易后投递一个 Job，worker 池消费并调用 Settler。
package settlement

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Job 是队列中的一条结算消息。Attempt 从 0 开始计数。
type Job struct {
	TxID    string `json:"tx_id"`
	Attempt int    `json:"attempt"`
}

func (j Job) encode() ([]byte, error) {
	return json.Marshal(j)
}

func decodeJob(raw []byte) (Job, error) {
	var job Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return Job{}, fmt.Errorf("decode settlement job: %w", err)
	}
	if job.TxID == "" {
		return Job{}, fmt.Errorf("decode settlement job: missing tx_id")
	}
	return job, nil
}

// Handler 处理来自消息队列的结算任务。
type Handler func(ctx context.Context, job Job) error

// Producer 负责向队列投递任务。
type Producer interface {
	Publish(ctx context.Context, job Job) error
	Close() error
}

// Consumer 负责从队列中消费任务。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}

// QueueConfig selects and configures a queue driver.
type QueueConfig struct {
	Driver   string         `yaml:"driver"`
	Size     int            `yaml:"size"`
	Redis    RedisConfig    `yaml:"redis"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
	LevelDB  LevelDBConfig  `yaml:"leveldb"`
}

// OpenQueue builds the configured driver. The redis driver reuses client,
// which stays owned by the caller.
func OpenQueue(cfg QueueConfig, client redis.UniversalClient) (Queue, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "memory":
		return NewMemoryQueue(cfg.Size), nil
	case "redis":
		if client == nil {
			return nil, fmt.Errorf("settlement queue: redis driver needs a redis client")
		}
		return NewRedisQueue(client, cfg.Redis), nil
	case "rabbitmq":
		return NewRabbitMQQueue(cfg.RabbitMQ)
	case "leveldb":
		return OpenLevelDBQueue(cfg.LevelDB)
	default:
		return nil, fmt.Errorf("settlement queue: unknown driver %q", cfg.Driver)
	}
}

// sleepCtx waits d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
