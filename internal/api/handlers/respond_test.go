package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/bigkaa/goartstore/share-module/internal/service"
)

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestWriteServiceError(t *testing.T) {
	tests := []struct {
		err        error
		wantStatus int
		wantCode   string
	}{
		{fmt.Errorf("%w: нет файлов", service.ErrValidation), http.StatusBadRequest, "VALIDATION_ERROR"},
		{service.ErrFileTooLarge, http.StatusRequestEntityTooLarge, "FILE_TOO_LARGE"},
		{service.ErrQuotaExceeded, http.StatusRequestEntityTooLarge, "QUOTA_EXCEEDED"},
		{service.ErrInvalidToken, http.StatusBadRequest, "INVALID_TOKEN"},
		{service.ErrNotFoundOrExpired, http.StatusNotFound, "NOT_FOUND"},
		{service.ErrNotFound, http.StatusNotFound, "NOT_FOUND"},
		{service.ErrConflict, http.StatusConflict, "CONFLICT"},
		{service.ErrInvalidCredentials, http.StatusUnauthorized, "INVALID_CREDENTIALS"},
		{fmt.Errorf("%w: flock", service.ErrSweepInProgress), http.StatusConflict, "SWEEP_IN_PROGRESS"},
		{service.ErrReconcileInProgress, http.StatusConflict, "RECONCILE_IN_PROGRESS"},
		{fmt.Errorf("%w: ENOSPC", service.ErrStorageFull), http.StatusInsufficientStorage, "STORAGE_FULL"},
		{fmt.Errorf("%w: pg down", service.ErrStorage), http.StatusInternalServerError, "INTERNAL_ERROR"},
		{errors.New("неожиданная"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.wantCode, func(t *testing.T) {
			rec := httptest.NewRecorder()
			writeServiceError(rec, silentLogger(), tt.err)

			if rec.Code != tt.wantStatus {
				t.Errorf("статус %d, хотели %d", rec.Code, tt.wantStatus)
			}
			var body struct {
				Error struct {
					Code    string `json:"code"`
					Message string `json:"message"`
				} `json:"error"`
			}
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("ответ не JSON: %v", err)
			}
			if body.Error.Code != tt.wantCode {
				t.Errorf("код %q, хотели %q", body.Error.Code, tt.wantCode)
			}
		})
	}
}

func TestWriteServiceError_HidesInternals(t *testing.T) {
	rec := httptest.NewRecorder()
	writeServiceError(rec, silentLogger(), fmt.Errorf("%w: dial tcp 10.0.0.5:5432", service.ErrStorage))
	if got := rec.Body.String(); strings.Contains(got, "10.0.0.5") {
		t.Errorf("внутренние подробности в ответе: %s", got)
	}
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		raw     string
		want    int
		wantErr bool
	}{
		{"", 0, false},
		{"  ", 0, false},
		{"12", 12, false},
		{" 24 ", 24, false},
		{"6", 6, false},
		{"12h", 0, true},
		{"сутки", 0, true},
	}
	for _, tt := range tests {
		got, err := parseDuration(tt.raw)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseDuration(%q) ошибка = %v, хотели ошибку = %v", tt.raw, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("parseDuration(%q) = %d, хотели %d", tt.raw, got, tt.want)
		}
	}
}

func TestContentDisposition(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"report.pdf", "attachment; filename=report.pdf"},
		{"my file.txt", `attachment; filename="my file.txt"`},
	}
	for _, tt := range tests {
		if got := contentDisposition(tt.name); got != tt.want {
			t.Errorf("contentDisposition(%q) = %q, хотели %q", tt.name, got, tt.want)
		}
	}

	// Не-ASCII имя кодируется по RFC 2231
	got := contentDisposition("отчёт.pdf")
	if !strings.HasPrefix(got, "attachment; filename*=utf-8''") || !strings.HasSuffix(got, ".pdf") {
		t.Errorf("contentDisposition(не-ASCII) = %q", got)
	}
}
