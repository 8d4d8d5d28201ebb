package processing

import (
	"context"
	"io"
	"sync"

	"github.com/promontage/montage-agent/internal/failure"
	"github.com/promontage/montage-agent/internal/remote"
)

// RemoteBackend delegates the encode to the HTTP processing service. The
// service rebuilds the plan from the form fields.
type RemoteBackend struct {
	client *remote.Client
}

func NewRemoteBackend(client *remote.Client) *RemoteBackend {
	return &RemoteBackend{client: client}
}

func (b *RemoteBackend) Name() string            { return BackendRemote }
func (b *RemoteBackend) SupportsSubtitles() bool { return true }
func (b *RemoteBackend) ReportsProgress() bool   { return false }

func (b *RemoteBackend) Endpoint() string {
	return b.client.BaseURL()
}

func (b *RemoteBackend) Stage(ctx context.Context, req StageRequest) (Job, error) {
	avatar, err := req.Avatar.Open()
	if err != nil {
		return nil, failure.Processing(err, "cannot read the avatar video")
	}
	secondary, err := req.Secondary.Open()
	if err != nil {
		avatar.Close()
		return nil, failure.Processing(err, "cannot read "+displayName(req.Secondary.Filename, "the uploaded video"))
	}

	return &remoteJob{
		client:  b.client,
		closers: []io.Closer{avatar, secondary},
		req: remote.ProcessRequest{
			Avatar:    remote.File{Filename: avatarInputName, ContentType: req.Avatar.ContentType, Body: avatar},
			Secondary: remote.File{Filename: req.Secondary.Filename, ContentType: req.Secondary.ContentType, Body: secondary},
			Fields:    req.Plan.FormFields(),
			Subtitles: req.Subtitles,
		},
	}, nil
}

type remoteJob struct {
	client  *remote.Client
	req     remote.ProcessRequest
	closers []io.Closer

	once   sync.Once
	result []byte
}

// Encode is one blocking request; progress is never reported.
func (j *remoteJob) Encode(ctx context.Context, _ func(float64)) error {
	data, err := j.client.Process(ctx, j.req)
	if err != nil {
		return err
	}
	j.result = data
	return nil
}

func (j *remoteJob) Result(context.Context) ([]byte, error) {
	if len(j.result) == 0 {
		return nil, failure.New(failure.KindProcessing, "processing service returned no result")
	}
	return j.result, nil
}

func (j *remoteJob) Close() error {
	var first error
	j.once.Do(func() {
		for _, c := range j.closers {
			if err := c.Close(); err != nil && first == nil {
				first = err
			}
		}
	})
	return first
}
