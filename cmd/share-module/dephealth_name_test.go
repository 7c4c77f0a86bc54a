// Тесты parseOwnerName — имя владельца пода из hostname.
package main

import "testing"

func TestParseOwnerName(t *testing.T) {
	tests := []struct {
		name     string
		hostname string
		want     string
	}{
		{"Deployment", "share-module-7d8f9b6c4f-x2k9z", "share-module"},
		{"Deployment с длинным именем", "share-module-eu-01-5fbcd8d7b9-k4m2j", "share-module-eu-01"},
		{"Deployment с коротким hash", "share-module-5fbcd8d7b-k4m2j", "share-module"},
		{"StatefulSet ordinal 0", "share-sts-0", "share-sts"},
		{"StatefulSet ordinal 42", "share-sts-42", "share-sts"},
		{"простое имя", "share-module", "share-module"},
		{"localhost", "localhost", "localhost"},
		{"только число", "42", "42"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := parseOwnerName(tt.hostname); got != tt.want {
				t.Errorf("parseOwnerName(%q) = %q, хотели %q", tt.hostname, got, tt.want)
			}
		})
	}
}

func TestGetDiskUsage(t *testing.T) {
	total, used, available, err := getDiskUsage(t.TempDir())
	if err != nil {
		t.Fatalf("getDiskUsage: %v", err)
	}
	if total <= 0 {
		t.Errorf("total = %d, хотели > 0", total)
	}
	if used+available != total {
		t.Errorf("used + available = %d, хотели %d", used+available, total)
	}

	if _, _, _, err := diskUsageFn("/nonexistent-share-module")(); err == nil {
		t.Error("хотели ошибку для несуществующей директории")
	}
}
