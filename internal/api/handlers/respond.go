// respond.go — запись JSON-ответов и сопоставление ошибок сервисного слоя
// с HTTP-кодами.
package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	apierrors "github.com/bigkaa/goartstore/share-module/internal/api/errors"
	"github.com/bigkaa/goartstore/share-module/internal/service"
)

// writeJSON сериализует тело ответа.
func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeServiceError сопоставляет sentinel-ошибку сервиса с ответом API.
// Внутренние подробности в ответ не попадают, только в лог.
func writeServiceError(w http.ResponseWriter, logger *slog.Logger, err error) {
	switch {
	case errors.Is(err, service.ErrValidation):
		apierrors.ValidationError(w, err.Error())
	case errors.Is(err, service.ErrFileTooLarge):
		apierrors.FileTooLarge(w, err.Error())
	case errors.Is(err, service.ErrQuotaExceeded):
		apierrors.QuotaExceeded(w, err.Error())
	case errors.Is(err, service.ErrInvalidToken):
		apierrors.InvalidToken(w, "Некорректный токен скачивания")
	case errors.Is(err, service.ErrNotFoundOrExpired):
		apierrors.NotFound(w, "Файл не найден или срок действия ссылки истёк")
	case errors.Is(err, service.ErrNotFound):
		apierrors.NotFound(w, "Файл не найден")
	case errors.Is(err, service.ErrConflict):
		apierrors.Conflict(w, err.Error())
	case errors.Is(err, service.ErrInvalidCredentials):
		apierrors.InvalidCredentials(w, "Неверный email или пароль")
	case errors.Is(err, service.ErrSweepInProgress):
		apierrors.SweepInProgress(w, "Очистка уже выполняется")
	case errors.Is(err, service.ErrReconcileInProgress):
		apierrors.ReconcileInProgress(w, "Сверка уже выполняется")
	case errors.Is(err, service.ErrStorageFull):
		logger.Error("Нет места в хранилище", slog.String("error", err.Error()))
		apierrors.StorageFull(w, "Нет свободного места в хранилище")
	default:
		logger.Error("Внутренняя ошибка", slog.String("error", err.Error()))
		apierrors.InternalError(w, "Внутренняя ошибка сервера")
	}
}
