package vault

import (
	"context"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/vaultd/internal/vectorstore"
)

// ReencryptTask names one record whose ciphertext lags the active key.
type ReencryptTask struct {
	UserID     string
	Collection vectorstore.CollectionType
	RecordID   string
}

// TaskQueue buffers re-encryption work between the sweep that discovers
// stale records and the worker that migrates them. Enqueue never blocks;
// when the buffer is full the task is dropped and the next sweep picks
// the record up again.
type TaskQueue struct {
	tasks  chan ReencryptTask
	logger *zap.Logger
}

// NewTaskQueue creates a queue holding up to size pending tasks.
func NewTaskQueue(size int, logger *zap.Logger) *TaskQueue {
	if size <= 0 {
		size = 1024
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TaskQueue{
		tasks:  make(chan ReencryptTask, size),
		logger: logger.Named("reencrypt_queue"),
	}
}

// Enqueue adds a task, reporting false when the buffer is full.
func (q *TaskQueue) Enqueue(t ReencryptTask) bool {
	select {
	case q.tasks <- t:
		return true
	default:
		q.logger.Warn("re-encryption queue full, dropping task",
			zap.String("user_id", t.UserID),
			zap.String("record_id", t.RecordID))
		return false
	}
}

// Len reports the number of pending tasks.
func (q *TaskQueue) Len() int { return len(q.tasks) }

// Drain processes queued tasks until the buffer is empty or ctx is done.
// A failed task is logged and skipped; the drain continues. Returns the
// number of tasks handled successfully.
func (q *TaskQueue) Drain(ctx context.Context, handle func(context.Context, ReencryptTask) error) int {
	done := 0
	for {
		select {
		case <-ctx.Done():
			return done
		case t := <-q.tasks:
			if err := handle(ctx, t); err != nil {
				q.logger.Warn("re-encryption task failed, skipping",
					zap.String("user_id", t.UserID),
					zap.String("record_id", t.RecordID),
					zap.Error(err))
				continue
			}
			done++
		default:
			return done
		}
	}
}
