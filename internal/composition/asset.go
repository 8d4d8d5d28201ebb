package composition

import (
	"mime"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"

	"github.com/promontage/montage-agent/internal/failure"
)

// DefaultMaxUploadBytes caps the secondary upload at 500 MiB.
const DefaultMaxUploadBytes int64 = 500 * 1024 * 1024

// SecondaryVideo is the user-supplied clip, spooled to disk by the session.
type SecondaryVideo struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
	Path        string `json:"-"`
}

// Summary renders the upload line shown after a successful upload.
func (v SecondaryVideo) Summary() string {
	return v.Filename + " (" + HumanSize(v.Size) + ")"
}

// HumanSize formats a byte count the way the upload summary shows it.
func HumanSize(n int64) string {
	if n < 0 {
		n = 0
	}
	return humanize.IBytes(uint64(n))
}

// CheckUpload validates the size and media type of an upload. The declared
// type wins when it names a concrete type; otherwise the type is derived from
// the file extension and finally sniffed from head. The resolved video type
// is returned.
func CheckUpload(filename, declared string, size, maxBytes int64, head []byte) (string, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxUploadBytes
	}
	if size <= 0 {
		return "", failure.Validation("the uploaded file is empty")
	}
	if size > maxBytes {
		return "", failure.Validation("file is too large: %s, maximum is %s", HumanSize(size), HumanSize(maxBytes))
	}

	contentType := normalizeType(declared)
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = typeByExtension(filename)
	}
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = sniffVideo(head)
	}

	if !strings.HasPrefix(contentType, "video/") {
		if contentType == "" {
			return "", failure.Validation("the uploaded file is not a video")
		}
		return "", failure.Validation("the uploaded file is not a video (%s)", contentType)
	}
	return contentType, nil
}

var videoExtensions = map[string]string{
	".mp4":  "video/mp4",
	".m4v":  "video/x-m4v",
	".mov":  "video/quicktime",
	".mkv":  "video/x-matroska",
	".avi":  "video/x-msvideo",
	".webm": "video/webm",
}

func typeByExtension(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if t, ok := videoExtensions[ext]; ok {
		return t
	}
	return normalizeType(mime.TypeByExtension(ext))
}

func normalizeType(t string) string {
	t = strings.TrimSpace(t)
	if t == "" {
		return ""
	}
	parsed, _, err := mime.ParseMediaType(t)
	if err != nil {
		return strings.ToLower(t)
	}
	return parsed
}

func sniffVideo(head []byte) string {
	if len(head) == 0 {
		return ""
	}
	detected := mimetype.Detect(head)
	for m := detected; m != nil; m = m.Parent() {
		if strings.HasPrefix(m.String(), "video/") {
			return m.String()
		}
	}
	return normalizeType(detected.String())
}
