package processing

import (
	"net/url"
	"strings"

	"github.com/promontage/montage-agent/internal/failure"
)

// DevEndpoint is the processing service address assumed in dev mode.
const DevEndpoint = "http://localhost:8001"

// Selection is the backend chosen for a session. It is resolved once and
// never changes for the session's lifetime.
type Selection struct {
	Backend  string `json:"backend"`
	Endpoint string `json:"endpoint,omitempty"`
	// Source names where the endpoint came from: launch, config, dev_mode.
	Source string `json:"source,omitempty"`
}

// SelectInput carries every signal the selection looks at.
type SelectInput struct {
	LaunchServerURL    string
	ConfiguredEndpoint string
	DevMode            bool
	LocalEncoder       bool
}

// SelectBackend picks the remote backend when an endpoint was supplied at
// launch or configured, or when dev mode is on; otherwise the local encoder.
// Without either the environment cannot process at all.
func SelectBackend(in SelectInput) (Selection, error) {
	candidates := []struct {
		value, source string
	}{
		{in.LaunchServerURL, "launch"},
		{in.ConfiguredEndpoint, "config"},
	}
	for _, c := range candidates {
		v := strings.TrimSpace(c.value)
		if v == "" {
			continue
		}
		endpoint, err := NormalizeEndpoint(v)
		if err != nil {
			return Selection{}, err
		}
		return Selection{Backend: BackendRemote, Endpoint: endpoint, Source: c.source}, nil
	}
	if in.DevMode {
		return Selection{Backend: BackendRemote, Endpoint: DevEndpoint, Source: "dev_mode"}, nil
	}
	if in.LocalEncoder {
		return Selection{Backend: BackendLocal}, nil
	}
	return Selection{}, failure.UnsupportedEnvironment("no processing backend is available: ffmpeg is not installed and no server is configured")
}

// NormalizeEndpoint validates an http(s) base URL and strips trailing
// slashes, query and fragment.
func NormalizeEndpoint(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return "", failure.Validation("server address %q is not a valid http(s) URL", raw)
	}
	u.RawQuery = ""
	u.Fragment = ""
	u.Path = strings.TrimRight(u.Path, "/")
	u.RawPath = ""
	return u.String(), nil
}
