package providers

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/taskweave/taskweave/pkg/models"
	"github.com/taskweave/taskweave/pkg/taskerr"
)

// fileFetchLimit caps a single download. The dispatcher enforces its own
// per-file limit as well; this guard stops a misbehaving file service from
// streaming unbounded data.
const fileFetchLimit = 32 << 20

// HTTPFileService downloads referenced user files from the file service.
// It satisfies the dispatcher's FileFetcher.
type HTTPFileService struct {
	baseURL      string
	serviceToken string
	client       *http.Client
}

// NewHTTPFileService creates a file service client. client may be nil.
func NewHTTPFileService(baseURL, serviceToken string, client *http.Client) *HTTPFileService {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &HTTPFileService{baseURL: baseURL, serviceToken: serviceToken, client: client}
}

// Fetch downloads one file's content. A file deleted since the reference was
// recorded reports not_found so the caller can skip it.
func (s *HTTPFileService) Fetch(ctx context.Context, ref models.FileReference) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		s.baseURL+"/v1/files/"+ref.FileID+"/content", nil)
	if err != nil {
		return nil, taskerr.Wrap(taskerr.KindInternal, err, "failed to build file request")
	}
	if s.serviceToken != "" {
		req.Header.Set("Authorization", "Bearer "+s.serviceToken)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, taskerr.Wrap(taskerr.KindNetwork, err, "file service unreachable")
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound, http.StatusGone:
		return nil, taskerr.New(taskerr.KindNotFound, "file %s no longer exists", ref.FileID)
	default:
		return nil, taskerr.New(taskerr.KindNetwork,
			"file service returned HTTP %d for %s", resp.StatusCode, ref.FileID)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, fileFetchLimit+1))
	if err != nil {
		return nil, taskerr.Wrap(taskerr.KindNetwork, err, "failed to read file %s", ref.FileID)
	}
	if len(data) > fileFetchLimit {
		return nil, taskerr.New(taskerr.KindInvalidInput,
			"file %s exceeds the %d byte download limit", ref.FileID, fileFetchLimit)
	}
	return data, nil
}
