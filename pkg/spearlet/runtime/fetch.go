package runtime

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spearproj/spear/pkg/errors"
)

// parseArtifactURI splits an "sms+file://[host:port/]<fileId>" location
// into its host and fileId parts. host is empty
// when the URI omits it, in which case the caller falls back to the
// Spearlet's configured SMS HTTP address.
func parseArtifactURI(location string) (host, fileID string, ok bool) {
	const prefix = "sms+file://"
	if !strings.HasPrefix(location, prefix) {
		return "", "", false
	}
	rest := strings.TrimPrefix(location, prefix)
	if idx := strings.IndexByte(rest, '/'); idx >= 0 {
		return rest[:idx], rest[idx+1:], true
	}
	return "", rest, true
}

// fetchArtifactBytes resolves location against the Artifact Fetcher
// external collaborator: GET /api/v1/files/<fileId> on the
// resolved SMS HTTP address. A location that is not an sms+file:// URI is
// treated as a local filesystem path, which test fixtures and local
// development rely on.
func fetchArtifactBytes(ctx context.Context, location, defaultHost string) ([]byte, error) {
	host, fileID, ok := parseArtifactURI(location)
	if !ok {
		return nil, nil // caller falls back to reading location as a local path
	}
	if host == "" {
		host = defaultHost
	}
	if host == "" {
		return nil, errors.New(errors.InvalidConfiguration, "sms+file:// location has no host and no SMS HTTP address is configured")
	}

	url := fmt.Sprintf("http://%s/api/v1/files/%s", host, fileID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(errors.IoError, "failed to build artifact fetch request", err)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, errors.Wrap(errors.IoError, "artifact fetch request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.New(errors.IoError, fmt.Sprintf("artifact fetch returned status %d", resp.StatusCode))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(errors.IoError, "failed to read artifact body", err)
	}
	return data, nil
}
