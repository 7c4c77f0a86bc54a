package openapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestLoad(t *testing.T) {
	doc, err := Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	paths := []string{
		"/api/auth/register",
		"/api/auth/login",
		"/api/files/upload",
		"/api/files",
		"/api/files/stats",
		"/api/files/{id}",
		"/api/files/download/{token}",
		"/api/maintenance/sweep",
		"/api/maintenance/reconcile",
	}
	for _, p := range paths {
		if doc.Paths.Find(p) == nil {
			t.Errorf("путь %s отсутствует в контракте", p)
		}
	}
}

func TestHandler(t *testing.T) {
	doc, err := Load(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	h, err := Handler(doc)
	if err != nil {
		t.Fatal(err)
	}

	w := httptest.NewRecorder()
	h(w, httptest.NewRequest(http.MethodGet, "/api/openapi.json", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("статус = %d, хотели 200", w.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("ответ не JSON: %v", err)
	}
	if body["openapi"] != "3.0.3" {
		t.Errorf("openapi = %v", body["openapi"])
	}
}
