package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"

	"github.com/balcao-pos/balcao-pos/internal/fiscal"
)

const (
	// QueueFiscal carries document backup and usage accounting work.
	QueueFiscal = "fiscal"
	// QueueDefault is the queue for everything else.
	QueueDefault = "default"

	// TaskDocumentBackup downloads and stores the three backup artifacts of
	// an authorized document.
	TaskDocumentBackup = "fiscal:backup"
	// TaskUsageRegister increments the merchant's monthly emission counter.
	TaskUsageRegister = "fiscal:usage"
	// TaskBackupSweep re-enqueues documents whose backup never completed.
	TaskBackupSweep = "fiscal:backup_sweep"
	// TaskIdempotencyCleanup prunes expired idempotency keys.
	TaskIdempotencyCleanup = "maintenance:idempotency_cleanup"
)

// BackupPayload identifies the document to back up.
type BackupPayload struct {
	DocumentID string `json:"document_id"`
}

// UsagePayload identifies one emission to account for.
type UsagePayload struct {
	DocumentID   string              `json:"document_id"`
	DocumentType fiscal.DocumentType `json:"document_type"`
}

// NewBackupTask builds a document backup task.
func NewBackupTask(payload BackupPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskDocumentBackup, data), nil
}

// NewUsageTask builds a usage accounting task.
func NewUsageTask(payload UsagePayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskUsageRegister, data), nil
}

// NewBackupSweepTask builds the periodic sweep task.
func NewBackupSweepTask() *asynq.Task {
	return asynq.NewTask(TaskBackupSweep, nil)
}

// NewIdempotencyCleanupTask builds the periodic key-pruning task.
func NewIdempotencyCleanupTask() *asynq.Task {
	return asynq.NewTask(TaskIdempotencyCleanup, nil)
}
