package service

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNewDephealthService_NoTargets(t *testing.T) {
	_, err := NewDephealthServiceWithRegisterer("share-module", "share-module",
		DephealthTargets{}, time.Second, silentLogger(), prometheus.NewRegistry())
	if !errors.Is(err, ErrNoDependencies) {
		t.Errorf("ошибка = %v, хотели ErrNoDependencies", err)
	}
}

func TestDephealthService_ObjectStorage(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   bool
	}{
		{"доступно", http.StatusOK, true},
		{"ошибка 500", http.StatusInternalServerError, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer mockServer.Close()

			ds, err := NewDephealthServiceWithRegisterer("share-module", "share-module",
				DephealthTargets{S3URL: mockServer.URL}, time.Second, silentLogger(), prometheus.NewRegistry())
			if err != nil {
				t.Fatalf("Ошибка создания DephealthService: %v", err)
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			if err := ds.Start(ctx); err != nil {
				t.Fatalf("Ошибка запуска: %v", err)
			}
			defer ds.Stop()

			// Даём время на первую проверку (интервал 1s + запас)
			time.Sleep(3 * time.Second)

			health := ds.Health()
			found := false
			for key, val := range health {
				if strings.HasPrefix(key, "object-storage:") {
					found = true
					if val != tt.want {
						t.Errorf("health[%q] = %v, хотели %v", key, val, tt.want)
					}
				}
			}
			if !found {
				t.Errorf("Нет записи object-storage в Health(), keys=%v", healthKeys(health))
			}
		})
	}
}

// healthKeys возвращает ключи карты health для вывода в сообщениях об ошибках.
func healthKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}
