package settlement

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// LevelDBConfig 描述本地持久化队列。
type LevelDBConfig struct {
	Path         string        `yaml:"path"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

const (
	readyPrefix    = "ready/"
	inflightPrefix = "inflight/"
)

// LevelDBQueue 是单进程、可在崩溃后恢复的持久化队列。取出的任务先移入
// inflight，处理完成后删除；重新打开时 inflight 中的任务回到 ready。
type LevelDBQueue struct {
	db     *leveldb.DB
	poll   time.Duration
	notify chan struct{}

	mu  sync.Mutex
	seq uint64
}

// OpenLevelDBQueue opens or creates the queue at cfg.Path.
func OpenLevelDBQueue(cfg LevelDBConfig) (*LevelDBQueue, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("leveldb queue path is required")
	}
	db, err := leveldb.OpenFile(cfg.Path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb queue: %w", err)
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 200 * time.Millisecond
	}
	q := &LevelDBQueue{db: db, poll: poll, notify: make(chan struct{}, 1)}
	if err := q.restore(); err != nil {
		db.Close()
		return nil, err
	}
	return q, nil
}

// restore requeues in-flight jobs and recovers the sequence counter.
func (q *LevelDBQueue) restore() error {
	batch := new(leveldb.Batch)
	iter := q.db.NewIterator(nil, nil)
	for iter.Next() {
		key := string(iter.Key())
		var seqPart string
		switch {
		case strings.HasPrefix(key, readyPrefix):
			seqPart = strings.TrimPrefix(key, readyPrefix)
		case strings.HasPrefix(key, inflightPrefix):
			seqPart = strings.TrimPrefix(key, inflightPrefix)
			batch.Delete(iter.Key())
			batch.Put([]byte(readyPrefix+seqPart), append([]byte(nil), iter.Value()...))
		default:
			continue
		}
		if seq, err := strconv.ParseUint(seqPart, 10, 64); err == nil && seq > q.seq {
			q.seq = seq
		}
	}
	iterErr := iter.Error()
	iter.Release()
	if iterErr != nil {
		return fmt.Errorf("scan leveldb queue: %w", iterErr)
	}
	if batch.Len() == 0 {
		return nil
	}
	return q.db.Write(batch, &opt.WriteOptions{Sync: true})
}

func seqKey(prefix string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefix, seq))
}

// Publish 同步写盘后返回。
func (q *LevelDBQueue) Publish(ctx context.Context, job Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := job.encode()
	if err != nil {
		return err
	}
	q.mu.Lock()
	q.seq++
	key := seqKey(readyPrefix, q.seq)
	err = q.db.Put(key, payload, &opt.WriteOptions{Sync: true})
	q.mu.Unlock()
	if err != nil {
		return fmt.Errorf("leveldb publish settlement job: %w", err)
	}
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// claim moves the oldest ready job to inflight.
func (q *LevelDBQueue) claim() ([]byte, []byte, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	iter := q.db.NewIterator(util.BytesPrefix([]byte(readyPrefix)), nil)
	if !iter.First() {
		err := iter.Error()
		iter.Release()
		return nil, nil, false, err
	}
	key := append([]byte(nil), iter.Key()...)
	value := append([]byte(nil), iter.Value()...)
	iter.Release()

	inflight := []byte(inflightPrefix + strings.TrimPrefix(string(key), readyPrefix))
	batch := new(leveldb.Batch)
	batch.Delete(key)
	batch.Put(inflight, value)
	if err := q.db.Write(batch, nil); err != nil {
		return nil, nil, false, err
	}
	return inflight, value, true, nil
}

// settle removes the in-flight entry, or puts it back when requeue is set.
func (q *LevelDBQueue) settle(inflight, value []byte, requeue bool) error {
	batch := new(leveldb.Batch)
	batch.Delete(inflight)
	if requeue {
		batch.Put([]byte(readyPrefix+strings.TrimPrefix(string(inflight), inflightPrefix)), value)
	}
	return q.db.Write(batch, nil)
}

// Consume 轮询消费，直到 ctx 结束或数据库关闭。
func (q *LevelDBQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	parent := ctx
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	errCh := make(chan error, workerCount)
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				inflight, value, ok, err := q.claim()
				if err != nil {
					errCh <- fmt.Errorf("leveldb consume settlement job: %w", err)
					return
				}
				if !ok {
					select {
					case <-ctx.Done():
					case <-q.notify:
					case <-time.After(q.poll):
					}
					continue
				}
				job, err := decodeJob(value)
				if err != nil {
					_ = q.settle(inflight, value, false)
					continue
				}
				handlerErr := handler(ctx, job)
				if err := q.settle(inflight, value, handlerErr != nil); err != nil {
					errCh <- err
					return
				}
			}
		}()
	}
	var err error
	select {
	case <-parent.Done():
		err = parent.Err()
	case err = <-errCh:
	}
	cancel()
	wg.Wait()
	return err
}

// Len 返回待处理任务数（不含 inflight）。
func (q *LevelDBQueue) Len() (int, error) {
	iter := q.db.NewIterator(util.BytesPrefix([]byte(readyPrefix)), nil)
	defer iter.Release()
	n := 0
	for iter.Next() {
		n++
	}
	return n, iter.Error()
}

// Close 关闭数据库。
func (q *LevelDBQueue) Close() error {
	return q.db.Close()
}
