package session

import (
	"net/url"
	"strings"
)

// DefaultUserID is used when the host did not supply a user.
const DefaultUserID = "test_user"

// LaunchParams are read from the webview URL that opened the montage.
type LaunchParams struct {
	VideoURL  string `json:"video_url"`
	ServerURL string `json:"server_url,omitempty"`
	UserID    string `json:"user_id"`
}

// ParseLaunchParams reads video_url, server_url and user_id from q. The bot
// encodes the URLs once more on top of query escaping, so values that still
// carry escapes are decoded again.
func ParseLaunchParams(q url.Values) LaunchParams {
	p := LaunchParams{
		VideoURL:  decodeParam(q.Get("video_url")),
		ServerURL: decodeParam(q.Get("server_url")),
		UserID:    strings.TrimSpace(q.Get("user_id")),
	}
	return p.withDefaults()
}

// Decoded applies the same decoding to params that arrived outside a query
// string.
func (p LaunchParams) Decoded() LaunchParams {
	p.VideoURL = decodeParam(p.VideoURL)
	p.ServerURL = decodeParam(p.ServerURL)
	return p.withDefaults()
}

func (p LaunchParams) withDefaults() LaunchParams {
	p.VideoURL = strings.TrimSpace(p.VideoURL)
	p.ServerURL = strings.TrimSpace(p.ServerURL)
	p.UserID = strings.TrimSpace(p.UserID)
	if p.UserID == "" {
		p.UserID = DefaultUserID
	}
	return p
}

func decodeParam(v string) string {
	v = strings.TrimSpace(v)
	if !strings.Contains(v, "%") {
		return v
	}
	decoded, err := url.PathUnescape(v)
	if err != nil {
		return v
	}
	return decoded
}
