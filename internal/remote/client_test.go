package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/promontage/montage-agent/internal/composition"
	"github.com/promontage/montage-agent/internal/failure"
	"github.com/promontage/montage-agent/internal/filtergraph"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRequest() ProcessRequest {
	return ProcessRequest{
		Avatar:    File{Filename: "avatar.mp4", ContentType: "video/mp4", Body: strings.NewReader("AVATAR")},
		Secondary: File{Filename: "my clip.mov", ContentType: "video/quicktime", Body: strings.NewReader("SECOND")},
		Fields: []filtergraph.Field{
			{Name: "mode", Value: "split"},
			{Name: "avatar_position", Value: "top"},
			{Name: "avatar_size", Value: "30"},
		},
		Subtitles: composition.SubtitleOptions{Enabled: true, TemplateID: "tpl-1"},
	}
}

func TestClient_Process_Success(t *testing.T) {
	var form map[string]string
	var files map[string]string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/process" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get(requestIDHeader) == "" {
			t.Error("missing request id header")
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("ParseMultipartForm: %v", err)
		}
		form = map[string]string{}
		for k, v := range r.MultipartForm.Value {
			form[k] = v[0]
		}
		files = map[string]string{}
		for k, fhs := range r.MultipartForm.File {
			f, _ := fhs[0].Open()
			b, _ := io.ReadAll(f)
			f.Close()
			files[k] = fhs[0].Filename + ":" + string(b)
		}
		w.Header().Set("Content-Type", "video/mp4")
		w.Write([]byte("RESULT"))
	}))
	defer server.Close()

	client := NewClient(server.URL+"/", time.Minute, testLogger())
	got, err := client.Process(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if string(got) != "RESULT" {
		t.Errorf("result = %q", got)
	}

	wantForm := map[string]string{
		"mode":                 "split",
		"avatar_position":      "top",
		"avatar_size":          "30",
		"add_subtitles":        "true",
		"subtitle_template_id": "tpl-1",
	}
	for k, v := range wantForm {
		if form[k] != v {
			t.Errorf("field %s = %q, want %q", k, form[k], v)
		}
	}
	if files["avatar_video"] != "avatar.mp4:AVATAR" {
		t.Errorf("avatar part = %q", files["avatar_video"])
	}
	if files["second_video"] != "my clip.mov:SECOND" {
		t.Errorf("second part = %q", files["second_video"])
	}
}

func TestClient_Process_SubtitlesDisabledSendsEmptyTemplate(t *testing.T) {
	var tpl, add string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseMultipartForm(1 << 20)
		tpl = r.FormValue("subtitle_template_id")
		add = r.FormValue("add_subtitles")
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	req := testRequest()
	req.Subtitles = composition.SubtitleOptions{Enabled: false, TemplateID: "stale"}
	if _, err := NewClient(server.URL, 0, testLogger()).Process(context.Background(), req); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if add != "false" || tpl != "" {
		t.Errorf("add_subtitles=%q subtitle_template_id=%q", add, tpl)
	}
}

func TestClient_Process_ErrorMessageVerbatim(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantMsg string
	}{
		{"message field", http.StatusBadRequest, `{"message": "X"}`, "X"},
		{"fastapi detail", http.StatusInternalServerError, `{"detail": "FFmpeg processing failed: boom"}`, "FFmpeg processing failed: boom"},
		{"fastapi validation", http.StatusUnprocessableEntity, `{"detail": [{"msg": "field required"}, {"msg": "bad mode"}]}`, "field required; bad mode"},
		{"not json", http.StatusBadGateway, `<html>oops</html>`, "Bad Gateway"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				io.Copy(io.Discard, r.Body)
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			_, err := NewClient(server.URL, 0, testLogger()).Process(context.Background(), testRequest())
			if err == nil {
				t.Fatal("expected error")
			}
			if kind := failure.KindOf(err); kind != failure.KindProcessing {
				t.Errorf("kind = %s, want processing", kind)
			}
			if err.Error() != tt.wantMsg {
				t.Errorf("message = %q, want %q", err.Error(), tt.wantMsg)
			}
			var serr *StatusError
			if !errors.As(err, &serr) || serr.StatusCode != tt.status {
				t.Errorf("status error = %+v", serr)
			}
		})
	}
}

func TestClient_Process_Unreachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	_, err := NewClient(url, time.Second, testLogger()).Process(context.Background(), testRequest())
	if kind := failure.KindOf(err); kind != failure.KindBackendUnavailable {
		t.Errorf("kind = %s (%v), want backend_unavailable", kind, err)
	}
}

func TestClient_Process_MissingInputs(t *testing.T) {
	req := testRequest()
	req.Secondary.Body = nil
	_, err := NewClient("http://127.0.0.1:1", 0, testLogger()).Process(context.Background(), req)
	if kind := failure.KindOf(err); kind != failure.KindValidation {
		t.Errorf("kind = %s, want validation", kind)
	}
}

func TestStatusError_IsRetryable(t *testing.T) {
	if (&StatusError{StatusCode: 400}).IsRetryable() {
		t.Error("400 should not be retryable")
	}
	if !(&StatusError{StatusCode: 503}).IsRetryable() {
		t.Error("503 should be retryable")
	}
}

func TestClient_Templates(t *testing.T) {
	tests := []struct {
		name string
		body string
		want []composition.Template
	}{
		{"wrapped", `{"templates": [{"id": "a", "name": "Bold"}, {"name": "no id"}]}`, []composition.Template{{ID: "a", Name: "Bold"}}},
		{"bare array", `[{"id": "b"}]`, []composition.Template{{ID: "b", Name: "b"}}},
		{"empty", `{"templates": []}`, []composition.Template{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/zapcap/templates" {
					t.Errorf("unexpected path %s", r.URL.Path)
				}
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			got, err := NewClient(server.URL, 0, testLogger()).Templates(context.Background())
			if err != nil {
				t.Fatalf("Templates: %v", err)
			}
			gotJSON, _ := json.Marshal(got)
			wantJSON, _ := json.Marshal(tt.want)
			if string(gotJSON) != string(wantJSON) {
				t.Errorf("templates = %s, want %s", gotJSON, wantJSON)
			}
		})
	}
}

func TestClient_Templates_Timeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	client := NewClient(server.URL, 0, testLogger(), WithTemplatesTimeout(50*time.Millisecond))
	start := time.Now()
	_, err := client.Templates(context.Background())
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if kind := failure.KindOf(err); kind != failure.KindBackendUnavailable {
		t.Errorf("kind = %s, want backend_unavailable", kind)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("templates fetch took %v, timeout not applied", elapsed)
	}
}

func TestClient_Templates_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"detail": "ZapCap key missing"}`))
	}))
	defer server.Close()

	_, err := NewClient(server.URL, 0, testLogger()).Templates(context.Background())
	if err == nil || err.Error() != "ZapCap key missing" {
		t.Errorf("err = %v", err)
	}
}

func TestClient_Health(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status": "ok", "ffmpeg": true, "temp_dir": "/tmp/pro_montage"}`))
	}))
	defer server.Close()

	h, err := NewClient(server.URL, 0, testLogger()).Health(context.Background())
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if h.Status != "ok" || !h.FFmpeg {
		t.Errorf("health = %+v", h)
	}
}
