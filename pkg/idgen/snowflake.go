package idgen

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// 雪花 ID：0 | 41 位毫秒时间戳 | 10 位 workerID | 12 位序列号
//
// 用作账本事件 ID 和 Redis 锁 token。多个账本进程共用 Redis 时应配置不同的 workerID。

const (
	epoch          = int64(1704067200000) // 2024-01-01 00:00:00 UTC
	workerIDBits   = 10
	sequenceBits   = 12
	maxWorkerID    = -1 ^ (-1 << workerIDBits)
	maxSequence    = -1 ^ (-1 << sequenceBits)
	workerIDShift  = sequenceBits
	timestampShift = sequenceBits + workerIDBits
)

type Snowflake struct {
	mu        sync.Mutex
	timestamp int64
	workerID  int64
	sequence  int64
}

var (
	defaultGenerator *Snowflake
	once             sync.Once
)

// Init 设置默认生成器的 workerID，只有第一次调用生效
func Init(workerID int64) {
	once.Do(func() {
		if workerID < 0 || workerID > maxWorkerID {
			slog.Warn("[idgen] workerID 超出范围，使用 1", "worker_id", workerID, "max", maxWorkerID)
			workerID = 1
		}
		defaultGenerator = &Snowflake{workerID: workerID}
	})
}

func NextID() int64 {
	Init(1)
	return defaultGenerator.Generate()
}

func (s *Snowflake) Generate() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixMilli()
	// 时钟回拨时沿用上一个时间戳，靠序列号保证递增
	if now < s.timestamp {
		now = s.timestamp
	}

	if now == s.timestamp {
		s.sequence = (s.sequence + 1) & maxSequence
		if s.sequence == 0 {
			for now <= s.timestamp {
				time.Sleep(100 * time.Microsecond)
				now = time.Now().UnixMilli()
			}
		}
	} else {
		s.sequence = 0
	}
	s.timestamp = now

	return ((now - epoch) << timestampShift) |
		(s.workerID << workerIDShift) |
		s.sequence
}

// Timestamp 取出 ID 中的生成时间
func Timestamp(id int64) time.Time {
	return time.UnixMilli((id >> timestampShift) + epoch)
}

// GenerateEventID 账本事件 ID，格式 EVT + 年月日时分秒 + 雪花 ID 后 8 位
func GenerateEventID() string {
	id := NextID()
	return fmt.Sprintf("EVT%s%08d", Timestamp(id).UTC().Format("20060102150405"), id%100000000)
}
