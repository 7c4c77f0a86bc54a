// Пакет service — бизнес-логика Share Module: загрузка, скачивание,
// квоты, очистка истёкших файлов, сверка хранилища и учётные записи.
package service

import "errors"

// Ошибки сервисного слоя. Оборачиваются через %w,
// HTTP-слой сопоставляет их через errors.Is.
var (
	// ErrValidation — некорректные параметры запроса.
	ErrValidation = errors.New("некорректные параметры запроса")
	// ErrFileTooLarge — файл превышает допустимый размер.
	ErrFileTooLarge = errors.New("файл превышает допустимый размер")
	// ErrQuotaExceeded — загрузка превысит квоту владельца.
	ErrQuotaExceeded = errors.New("превышена квота хранилища")
	// ErrInvalidToken — токен скачивания некорректного формата.
	ErrInvalidToken = errors.New("некорректный токен скачивания")
	// ErrNotFoundOrExpired — файл не найден или ссылка истекла.
	// Причины намеренно не различаются.
	ErrNotFoundOrExpired = errors.New("файл не найден или срок ссылки истёк")
	// ErrNotFound — запись не найдена (или принадлежит другому владельцу).
	ErrNotFound = errors.New("файл не найден")
	// ErrStorage — ошибка хранилища блобов или записей.
	ErrStorage = errors.New("ошибка хранилища")
	// ErrStorageFull — в хранилище блобов нет места.
	ErrStorageFull = errors.New("нет свободного места в хранилище")
	// ErrConflict — ресурс уже существует.
	ErrConflict = errors.New("ресурс уже существует")
	// ErrInvalidCredentials — неверный email или пароль.
	ErrInvalidCredentials = errors.New("неверный email или пароль")
	// ErrSweepInProgress — очистка уже выполняется.
	ErrSweepInProgress = errors.New("очистка уже выполняется")
	// ErrReconcileInProgress — сверка уже выполняется.
	ErrReconcileInProgress = errors.New("сверка уже выполняется")
)
