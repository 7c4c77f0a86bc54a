// Пакет wal — журнал пакетных загрузок.
// Каждая загрузка — отдельный файл {batch_id}.wal.json в SM_WAL_DIR
// со списком блобов, записанных в рамках пакета. Незавершённые записи
// после рестарта указывают на блобы, которые могли остаться без записи в БД.
package wal

import (
	"slices"
	"time"
)

// BatchStatus — статус пакета загрузки.
type BatchStatus string

const (
	// StatusPending — пакет в процессе: блобы пишутся или транзакция БД не завершена
	StatusPending BatchStatus = "pending"
	// StatusCommitted — записи в БД созданы, блобы принадлежат им
	StatusCommitted BatchStatus = "committed"
	// StatusRolledBack — пакет отменён, его блобы удалены
	StatusRolledBack BatchStatus = "rolled_back"
)

// Batch — запись журнала об одной загрузке.
type Batch struct {
	// ID — идентификатор пакета (UUID v4)
	ID string `json:"batch_id"`

	// OwnerID — владелец загружаемых файлов
	OwnerID int64 `json:"owner_id"`

	Status BatchStatus `json:"status"`

	// Blobs — имена блобов, созданных пакетом: и временные имена
	// приёма, и итоговые. Дописываются до каждой операции записи.
	Blobs []string `json:"blobs"`

	StartedAt time.Time `json:"started_at"`

	// CompletedAt — nil для pending.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// HasBlob сообщает, записан ли блоб в пакете.
func (b *Batch) HasBlob(name string) bool {
	return slices.Contains(b.Blobs, name)
}

func walFileName(batchID string) string {
	return batchID + ".wal.json"
}
