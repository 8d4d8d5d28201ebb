// Package export names and writes processed results: the download filename
// offered to the webview, cleaned upload names, and result files written by
// the CLI.
package export

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"
)

const (
	// ResultPrefix starts every result download name.
	ResultPrefix = "pro_montage_"

	maxUploadNameLen = 120
)

// ResultFilename is the download name of a result finished at t.
func ResultFilename(t time.Time) string {
	return fmt.Sprintf("%s%d.mp4", ResultPrefix, t.UnixMilli())
}

func SanitizeName(s string, maxLen int) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsControl(r) {
			continue
		}
		if isAllowedNameRune(r) {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}

	cleaned := strings.TrimSpace(b.String())
	if maxLen > 0 {
		runes := []rune(cleaned)
		if len(runes) > maxLen {
			cleaned = string(runes[:maxLen])
		}
	}
	return cleaned
}

func isAllowedNameRune(r rune) bool {
	if unicode.IsLetter(r) || unicode.IsDigit(r) {
		return true
	}
	switch r {
	case ' ', '-', '_', '.', ',', '(', ')':
		return true
	default:
		return false
	}
}

// UploadName reduces a client-supplied filename to a safe base name, keeping
// the extension when the name has to be shortened. fallback is used when
// nothing usable remains.
func UploadName(name, fallback string) string {
	name = strings.ReplaceAll(strings.TrimSpace(name), "\\", "/")
	name = filepath.Base(name)
	ext := filepath.Ext(name)
	if len([]rune(ext)) > 10 {
		ext = ""
	}
	stem := SanitizeName(strings.TrimSuffix(name, ext), maxUploadNameLen)
	stem = strings.Trim(stem, ". ")
	if stem == "" {
		return fallback
	}
	return stem + SanitizeName(ext, 0)
}

// ValidateOutputPath checks that a result can be written to path: the parent
// directory exists and path is not itself a directory.
func ValidateOutputPath(path string) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("output path is required")
	}

	dir := filepath.Dir(path)
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("output directory %s does not exist", dir)
		}
		return fmt.Errorf("invalid output directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("output directory %s is not a directory", dir)
	}

	if info, err := os.Stat(path); err == nil && info.IsDir() {
		return fmt.Errorf("output path %s is a directory", path)
	}
	return nil
}

// WriteResult writes data to path through a temporary file in the same
// directory, so a failed write never leaves a truncated video behind.
func WriteResult(path string, data []byte) error {
	if err := ValidateOutputPath(path); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".montage-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write output: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to move output into place: %w", err)
	}
	return nil
}
