package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/promontage/montage-agent/internal/composition"
	"github.com/promontage/montage-agent/internal/encoder"
	"github.com/promontage/montage-agent/internal/failure"
	"github.com/promontage/montage-agent/internal/filtergraph"
	"github.com/promontage/montage-agent/internal/history"
	"github.com/promontage/montage-agent/internal/processing"
	"github.com/promontage/montage-agent/internal/session"
)

type ErrorResponse struct {
	Error string       `json:"error"`
	Code  string       `json:"code"`
	Kind  failure.Kind `json:"kind,omitempty"`
	Hint  string       `json:"hint,omitempty"`
}

type HealthResponse struct {
	Status     string        `json:"status"`
	Version    string        `json:"version"`
	UptimeS    int64         `json:"uptime_s"`
	InstanceID string        `json:"instance_id"`
	Sessions   int           `json:"sessions"`
	Encoder    EncoderHealth `json:"encoder"`
}

// EncoderHealth reports the cached probe; Probed is false until the first
// probe completes.
type EncoderHealth struct {
	Probed    bool   `json:"probed"`
	Available bool   `json:"available"`
	FFmpeg    string `json:"ffmpeg,omitempty"`
	FFprobe   string `json:"ffprobe,omitempty"`
	// Stale is set when the latest probe failed and the values above are
	// from an earlier one.
	Stale     bool       `json:"stale,omitempty"`
	Error     string     `json:"error,omitempty"`
	CheckedAt *time.Time `json:"checked_at,omitempty"`
}

// CreateSessionRequest is accepted as a JSON body when the launch parameters
// are not in the query string.
type CreateSessionRequest struct {
	VideoURL  string `json:"video_url"`
	ServerURL string `json:"server_url,omitempty"`
	UserID    string `json:"user_id,omitempty"`
}

type ModeRequest struct {
	Mode string `json:"mode"`
}

// LayoutRequest changes the position, the ratio or both. Omitted fields keep
// their value.
type LayoutRequest struct {
	Position *string `json:"position,omitempty"`
	Ratio    *int    `json:"ratio,omitempty"`
}

type SubtitlesRequest struct {
	Enabled    bool   `json:"enabled"`
	TemplateID string `json:"template_id,omitempty"`
}

type TemplatesResponse struct {
	Templates []composition.Template `json:"templates"`
	Supported bool                   `json:"supported"`
	Error     string                 `json:"error,omitempty"`
}

type UploadResponse struct {
	composition.SecondaryVideo
	Summary string `json:"summary"`
}

type PlanResponse struct {
	Plan           filtergraph.Plan    `json:"plan"`
	FilterComplex  string              `json:"filter_complex"`
	Args           []string            `json:"args"`
	FormFields     []filtergraph.Field `json:"form_fields"`
	SubtitleFields []filtergraph.Field `json:"subtitle_fields"`
}

type ProcessResponse struct {
	RunID string `json:"run_id"`
}

type CancelResponse struct {
	Canceled bool `json:"canceled"`
}

type RunResponse struct {
	ID           string `json:"id"`
	SessionID    string `json:"session_id"`
	Backend      string `json:"backend"`
	Mode         string `json:"mode"`
	Position     string `json:"position"`
	Ratio        int    `json:"ratio"`
	Subtitles    bool   `json:"subtitles"`
	TemplateID   string `json:"template_id,omitempty"`
	State        string `json:"state"`
	Progress     int    `json:"progress"`
	ErrorKind    string `json:"error_kind,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	ResultBytes  int64  `json:"result_bytes,omitempty"`
	StartedAt    string `json:"started_at"`
	FinishedAt   string `json:"finished_at,omitempty"`
	DurationMS   int64  `json:"duration_ms,omitempty"`
}

type RunsResponse struct {
	Runs []RunResponse `json:"runs"`
}

// Plan placeholders stand in for the staged input paths, which only exist
// inside a run's workspace.
const (
	planAvatarInput    = "avatar.mp4"
	planSecondaryInput = "secondary.mp4"
	planOutput         = "output.mp4"
)

func encoderHealth(r encoder.Report) EncoderHealth {
	h := EncoderHealth{Stale: r.Stale, Error: r.LastError}
	if !r.CheckedAt.IsZero() {
		checked := r.CheckedAt
		h.CheckedAt = &checked
	}
	if caps := r.Capabilities; caps != nil {
		h.Probed = true
		h.Available = caps.CanEncode()
		h.FFmpeg = caps.FFmpeg.Version
		h.FFprobe = caps.FFprobe.Version
	}
	return h
}

func planResponse(plan filtergraph.Plan, subs composition.SubtitleOptions) PlanResponse {
	resp := PlanResponse{
		Plan:          plan,
		FilterComplex: plan.FilterComplex(),
		Args:          plan.Args(planAvatarInput, planSecondaryInput, planOutput),
		FormFields:    plan.FormFields(),
	}
	templateID := ""
	if subs.Enabled {
		templateID = subs.TemplateID
	}
	resp.SubtitleFields = []filtergraph.Field{
		{Name: "add_subtitles", Value: strconv.FormatBool(subs.Enabled)},
		{Name: "subtitle_template_id", Value: templateID},
	}
	return resp
}

func RunToResponse(r *history.Run) RunResponse {
	resp := RunResponse{
		ID:           r.ID,
		SessionID:    r.SessionID,
		Backend:      r.Backend,
		Mode:         r.Mode,
		Position:     r.Position,
		Ratio:        r.Ratio,
		Subtitles:    r.Subtitles,
		TemplateID:   r.TemplateID,
		State:        r.State,
		Progress:     r.Progress,
		ErrorKind:    r.ErrorKind,
		ErrorMessage: r.ErrorMessage,
		ResultBytes:  r.ResultBytes,
		StartedAt:    r.StartedAt.Format(time.RFC3339),
	}
	if r.FinishedAt != nil {
		resp.FinishedAt = r.FinishedAt.Format(time.RFC3339)
		resp.DurationMS = r.Duration().Milliseconds()
	}
	return resp
}

// failureResponse maps a handler error onto a status and error envelope.
func failureResponse(err error) (int, ErrorResponse) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound, ErrorResponse{Error: err.Error(), Code: "NOT_FOUND"}
	case errors.Is(err, session.ErrClosed):
		return http.StatusGone, ErrorResponse{Error: err.Error(), Code: "SESSION_CLOSED"}
	}

	var fe *failure.Error
	if !errors.As(err, &fe) {
		return http.StatusInternalServerError, ErrorResponse{Error: "internal server error", Code: "INTERNAL_ERROR"}
	}

	resp := ErrorResponse{Error: fe.Message, Kind: fe.Kind, Hint: fe.Hint()}
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, processing.ErrAlreadyProcessing):
		status, resp.Code = http.StatusConflict, "ALREADY_PROCESSING"
	case errors.Is(err, composition.ErrModeLocked):
		status, resp.Code = http.StatusConflict, "MODE_LOCKED"
	case errors.Is(err, session.ErrNoResult):
		status, resp.Code = http.StatusNotFound, "NO_RESULT"
	case errors.Is(err, session.ErrUploadWhileProcessing):
		status, resp.Code = http.StatusConflict, "PROCESSING"
	default:
		switch fe.Kind {
		case failure.KindValidation:
			status, resp.Code = http.StatusBadRequest, "VALIDATION_ERROR"
		case failure.KindAssetFetch:
			status, resp.Code = http.StatusBadGateway, "ASSET_FETCH_FAILED"
		case failure.KindBackendUnavailable:
			status, resp.Code = http.StatusServiceUnavailable, "BACKEND_UNAVAILABLE"
		case failure.KindProcessing:
			status, resp.Code = http.StatusBadGateway, "PROCESSING_FAILED"
		case failure.KindUnsupportedEnvironment:
			status, resp.Code = http.StatusNotImplemented, "UNSUPPORTED_ENVIRONMENT"
		case failure.KindCanceled:
			status, resp.Code = http.StatusConflict, "CANCELED"
		default:
			resp.Code = "INTERNAL_ERROR"
		}
	}
	return status, resp
}
