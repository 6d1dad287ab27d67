package harvest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"emperror.dev/errors"
	"github.com/google/uuid"

	"github.com/agentworkforce/regsync/internal/registry"
)

const (
	ChangesPath = "/synchronisation/changes"

	maxResponseBytes = 32 << 20
)

const ErrHarvesting = errors.Sentinel("harvesting failed")

// HarvestingError aborts a harvest. It names the peer and the request that
// failed so the next attempt can be reasoned about.
type HarvestingError struct {
	Registry   string
	Address    string
	Token      string
	From       *time.Time
	StatusCode int
	Code       string
	Err        error
}

func (e *HarvestingError) Error() string {
	var context string
	switch {
	case e.Token != "":
		context = "resumptionToken=" + e.Token
	case e.From != nil:
		context = "from=" + registry.FormatDate(*e.From)
	default:
		context = "full history"
	}
	return fmt.Sprintf("harvest %s (%s, %s): %v", e.Registry, e.Address, context, e.Err)
}

func (e *HarvestingError) Unwrap() error {
	return e.Err
}

func (e *HarvestingError) Is(target error) bool {
	return target == ErrHarvesting
}

// HTTPError is a non-2xx answer from a peer. Code carries the protocol
// error code when the peer sent one.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// ChangesRequest is one request of a harvest. A continuation carries only
// the token.
type ChangesRequest struct {
	From            *time.Time
	MetadataPrefix  string
	ResumptionToken string
}

func (r ChangesRequest) values() url.Values {
	q := url.Values{}
	if r.ResumptionToken != "" {
		q.Set(registry.ParamResumptionToken, r.ResumptionToken)
		return q
	}
	if r.From != nil {
		q.Set(registry.ParamFrom, registry.FormatDate(*r.From))
	}
	if r.MetadataPrefix != "" {
		q.Set(registry.ParamMetadataPrefix, r.MetadataPrefix)
	}
	return q
}

type Client interface {
	FetchChanges(ctx context.Context, peer registry.RemoteRegistry, req ChangesRequest) (registry.ChangesBatch, error)
}

// HTTPClient fetches change pages from peers. Failed requests are not
// retried; the scheduler decides when to try again.
type HTTPClient struct {
	httpClient *http.Client
	userAgent  string
}

func NewHTTPClient(httpClient *http.Client) *HTTPClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPClient{httpClient: httpClient, userAgent: "regsync-harvester"}
}

func (c *HTTPClient) FetchChanges(ctx context.Context, peer registry.RemoteRegistry, req ChangesRequest) (registry.ChangesBatch, error) {
	endpoint := strings.TrimRight(strings.TrimSpace(peer.Endpoint), "/") + ChangesPath + "?" + req.values().Encode()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return registry.ChangesBatch{}, err
	}
	httpReq.Header.Set("Accept", "application/xml")
	httpReq.Header.Set("User-Agent", c.userAgent)
	httpReq.Header.Set("X-Correlation-Id", correlationID())
	if peer.Username != "" {
		httpReq.SetBasicAuth(peer.Username, peer.Password)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return registry.ChangesBatch{}, err
	}
	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	_ = resp.Body.Close()
	if err != nil {
		return registry.ChangesBatch{}, err
	}

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return registry.DecodeChanges(bytes.NewReader(payload))
	}
	httpErr := &HTTPError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(payload))}
	if _, decodeErr := registry.DecodeChanges(bytes.NewReader(payload)); decodeErr != nil {
		if code := registry.ProtocolCode(decodeErr); code != "" {
			httpErr.Code = code
			var perr *registry.ProtocolError
			if errors.As(decodeErr, &perr) {
				httpErr.Message = perr.Message
			}
		}
	}
	return registry.ChangesBatch{}, httpErr
}

func correlationID() string {
	return "harvest_" + uuid.NewString()
}
