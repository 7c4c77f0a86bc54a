package model

import (
	"testing"
	"time"
)

func TestFileRecord_IsExpired(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		expiresAt time.Time
		want      bool
	}{
		{"в будущем", now.Add(time.Minute), false},
		{"ровно сейчас", now, true},
		{"в прошлом", now.Add(-time.Second), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &FileRecord{ExpiresAt: tt.expiresAt}
			if got := f.IsExpired(now); got != tt.want {
				t.Errorf("IsExpired() = %v, хотели %v", got, tt.want)
			}
		})
	}
}

func TestSizeLabel(t *testing.T) {
	tests := []struct {
		bytes int64
		want  string
	}{
		{0, "0 MB"},
		{-5, "0 MB"},
		{MiB / 2, "1 MB"},
		{MiB/2 - 1, "0 MB"},
		{10 * MiB, "10 MB"},
		{50 * MiB, "50 MB"},
	}

	for _, tt := range tests {
		if got := SizeLabel(tt.bytes); got != tt.want {
			t.Errorf("SizeLabel(%d) = %q, хотели %q", tt.bytes, got, tt.want)
		}
	}
}

func TestFileRecord_Clone(t *testing.T) {
	orig := &FileRecord{ID: 1, OriginalName: "a.txt", DownloadCount: 3}
	c := orig.Clone()
	c.DownloadCount = 10

	if orig.DownloadCount != 3 {
		t.Errorf("изменение копии затронуло оригинал: DownloadCount = %d", orig.DownloadCount)
	}
}
