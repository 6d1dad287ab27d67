package harvest

import (
	"context"
	"strings"
	"time"

	"emperror.dev/errors"
	"github.com/go-logr/logr"

	"github.com/agentworkforce/regsync/internal/metrics"
	"github.com/agentworkforce/regsync/internal/registry"
)

const defaultMaxPages = 10000

// Ledger is the part of the registry store a harvest writes to.
type Ledger interface {
	GetRegistry(ctx context.Context, name string) (registry.RemoteRegistry, error)
	ApplyRemote(ctx context.Context, origin string, op registry.Operation) (registry.Operation, bool, error)
	AdvanceWatermark(ctx context.Context, name string, ts time.Time) (bool, error)
}

type Options struct {
	Client  Client
	Ledger  Ledger
	Log     logr.Logger
	Metrics *metrics.Metrics
	// MaxPages bounds one harvest so a peer that keeps minting tokens
	// cannot hold it forever.
	MaxPages int
	Clock    func() time.Time
}

type Result struct {
	Registry  string        `json:"registry"`
	Pages     int           `json:"pages"`
	Received  int           `json:"received"`
	Applied   int           `json:"applied"`
	Skipped   int           `json:"skipped"`
	Watermark *time.Time    `json:"watermark,omitempty"`
	Advanced  bool          `json:"advanced"`
	Duration  time.Duration `json:"duration"`
}

type Harvester struct {
	client   Client
	ledger   Ledger
	log      logr.Logger
	metrics  *metrics.Metrics
	maxPages int
	now      func() time.Time
}

func NewHarvester(opts Options) (*Harvester, error) {
	if opts.Client == nil || opts.Ledger == nil {
		return nil, errors.WithDetails(registry.ErrInvalidInput, "reason", "client and ledger are required")
	}
	maxPages := opts.MaxPages
	if maxPages <= 0 {
		maxPages = defaultMaxPages
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Harvester{
		client:   opts.Client,
		ledger:   opts.Ledger,
		log:      opts.Log,
		metrics:  opts.Metrics,
		maxPages: maxPages,
		now:      clock,
	}, nil
}

// Harvest pulls every operation the named registry recorded since its
// watermark. Pages are applied in order before the next one is fetched.
// The watermark moves only after the last page was applied, so a failed or
// cancelled harvest is repeated in full next time.
func (h *Harvester) Harvest(ctx context.Context, name string) (Result, error) {
	started := h.now()
	result, err := h.harvest(ctx, strings.TrimSpace(name))
	result.Duration = h.now().Sub(started)

	outcome := "success"
	switch {
	case err == nil:
		h.log.Info("harvest completed", "registry", result.Registry, "pages", result.Pages,
			"received", result.Received, "applied", result.Applied, "skipped", result.Skipped,
			"advanced", result.Advanced)
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		outcome = "cancelled"
		h.log.Info("harvest cancelled", "registry", result.Registry, "pages", result.Pages)
	default:
		outcome = "failure"
		h.log.Error(err, "harvest failed", "registry", result.Registry, "pages", result.Pages, "applied", result.Applied)
	}
	h.metrics.ObserveHarvest(result.Registry, outcome, result.Duration)
	return result, err
}

func (h *Harvester) harvest(ctx context.Context, name string) (Result, error) {
	result := Result{Registry: name}
	peer, err := h.ledger.GetRegistry(ctx, name)
	if err != nil {
		return result, err
	}
	prefix := peer.MetadataPrefix
	if prefix == "" {
		prefix = registry.DefaultMetadataPrefix
	}

	req := ChangesRequest{From: peer.LastHarvested, MetadataPrefix: prefix}
	var latest *time.Time
	seen := map[string]struct{}{}
	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if result.Pages >= h.maxPages {
			return result, h.fail(peer, req, errors.WithDetails(registry.ErrInvalidState, "reason", "page limit reached", "pages", result.Pages))
		}

		batch, err := h.client.FetchChanges(ctx, peer, req)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return result, ctxErr
			}
			return result, h.fail(peer, req, err)
		}
		result.Pages++
		result.Received += len(batch.Operations)

		for _, op := range batch.Operations {
			_, applied, err := h.ledger.ApplyRemote(ctx, peer.Name, op)
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return result, ctxErr
				}
				return result, h.fail(peer, req, err)
			}
			if applied {
				result.Applied++
			} else {
				result.Skipped++
			}
			if latest == nil || op.Timestamp.After(*latest) {
				ts := op.Timestamp
				latest = &ts
			}
		}

		if batch.Token == "" {
			break
		}
		if _, repeated := seen[batch.Token]; repeated {
			return result, h.fail(peer, req, errors.WithDetails(registry.ErrInvalidState, "reason", "peer repeated a resumption token", "token", batch.Token))
		}
		seen[batch.Token] = struct{}{}
		req = ChangesRequest{ResumptionToken: batch.Token}
	}

	if latest == nil {
		result.Watermark = peer.LastHarvested
		return result, nil
	}
	if err := ctx.Err(); err != nil {
		return result, err
	}
	advanced, err := h.ledger.AdvanceWatermark(ctx, peer.Name, *latest)
	if err != nil {
		return result, h.fail(peer, ChangesRequest{From: peer.LastHarvested}, err)
	}
	result.Advanced = advanced
	result.Watermark = latest
	if !advanced {
		result.Watermark = peer.LastHarvested
	}
	return result, nil
}

func (h *Harvester) fail(peer registry.RemoteRegistry, req ChangesRequest, err error) error {
	herr := &HarvestingError{
		Registry: peer.Name,
		Address:  peer.Endpoint,
		Token:    req.ResumptionToken,
		From:     req.From,
		Err:      err,
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		herr.StatusCode = httpErr.StatusCode
		herr.Code = httpErr.Code
	} else if code := registry.ProtocolCode(err); code != "" {
		herr.Code = code
	}
	return herr
}
