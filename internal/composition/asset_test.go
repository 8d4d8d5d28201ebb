package composition

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promontage/montage-agent/internal/failure"
)

func TestCheckUpload(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		declared string
		size     int64
		want     string
		wantErr  bool
	}{
		{"declared mp4", "clip.bin", "video/mp4", 1024, "video/mp4", false},
		{"declared with params", "clip", "video/quicktime; charset=binary", 10, "video/quicktime", false},
		{"extension fallback", "CLIP.MOV", "", 10, "video/quicktime", false},
		{"octet stream by extension", "clip.mkv", "application/octet-stream", 10, "video/x-matroska", false},
		{"image declared", "photo.jpg", "image/jpeg", 10, "", true},
		{"too large", "clip.mp4", "video/mp4", DefaultMaxUploadBytes + 1, "", true},
		{"empty", "clip.mp4", "video/mp4", 0, "", true},
		{"unknown", "notes.txt", "", 10, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CheckUpload(tt.filename, tt.declared, tt.size, 0, []byte("plain text"))
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, failure.KindValidation, failure.KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCheckUpload_ExactLimitAllowed(t *testing.T) {
	_, err := CheckUpload("clip.mp4", "video/mp4", DefaultMaxUploadBytes, 0, nil)
	assert.NoError(t, err)

	_, err = CheckUpload("clip.mp4", "video/mp4", 2048, 1024, nil)
	assert.Error(t, err)
}

func TestHumanSize(t *testing.T) {
	assert.Equal(t, "500 MiB", HumanSize(DefaultMaxUploadBytes))
	assert.Equal(t, "0 B", HumanSize(-3))
}

func TestCleanTemplates(t *testing.T) {
	got := CleanTemplates([]Template{{ID: " a ", Name: ""}, {ID: "", Name: "x"}, {ID: "b", Name: "Bee"}})
	assert.Equal(t, []Template{{ID: "a", Name: "a"}, {ID: "b", Name: "Bee"}}, got)
}
