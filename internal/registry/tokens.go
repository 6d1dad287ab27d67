package registry

import (
	"context"
	"strings"
	"time"

	"emperror.dev/errors"
	"github.com/google/uuid"

	"github.com/agentworkforce/regsync/internal/metrics"
)

const (
	DefaultPageSize = 50
	DefaultTokenTTL = 30 * time.Minute
)

// TokenStore runs paged listings over the operation ledger and keeps the
// resumption tokens that continue them.
type TokenStore struct {
	ops      OperationRepository
	tokens   TokenRepository
	pageSize int
	ttl      time.Duration
	now      func() time.Time
	newID    func() string
	metrics  *metrics.Metrics
}

type TokenStoreOptions struct {
	PageSize int
	TTL      time.Duration
	Clock    func() time.Time
	Metrics  *metrics.Metrics
}

func NewTokenStore(ops OperationRepository, tokens TokenRepository, opts TokenStoreOptions) *TokenStore {
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &TokenStore{
		ops:      ops,
		tokens:   tokens,
		pageSize: pageSize,
		ttl:      ttl,
		now:      clock,
		newID:    uuid.NewString,
		metrics:  opts.Metrics,
	}
}

func (s *TokenStore) PageSize() int {
	return s.pageSize
}

// Open starts a listing. The listing only ever sees operations that existed
// when it was opened.
func (s *TokenStore) Open(ctx context.Context, listing ListingType, filter Filter) (Page, error) {
	snapshot, err := s.ops.MaxID(ctx)
	if err != nil {
		return Page{}, errors.WrapIf(err, "read ledger high water mark")
	}
	total, err := s.ops.Count(ctx, OperationQuery{
		From:   filter.From,
		Until:  filter.Until,
		Set:    filter.Set,
		UpToID: &snapshot,
	})
	if err != nil {
		return Page{}, errors.WrapIf(err, "count listing")
	}
	return s.page(ctx, listing, filter, nil, snapshot, total, 0)
}

// Continue consumes token id and returns the next page of its listing.
func (s *TokenStore) Continue(ctx context.Context, listing ListingType, id string) (Page, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Page{}, badToken("empty resumption token")
	}
	token, err := s.tokens.Take(ctx, id, listing)
	switch {
	case errors.Is(err, ErrNotFound):
		s.metrics.IncTokenRejected("unknown")
		return Page{}, badToken("unknown resumption token %s", id)
	case errors.Is(err, ErrListingMismatch):
		s.metrics.IncTokenRejected("listing_mismatch")
		return Page{}, badToken("resumption token %s belongs to another listing", id)
	case err != nil:
		return Page{}, errors.WrapIf(err, "load resumption token")
	}
	if token.Expired(s.now()) {
		s.metrics.IncTokenRejected("expired")
		return Page{}, badToken("resumption token %s expired at %s", id, FormatDate(token.ExpiresAt))
	}
	cursor := token.Cursor
	page, err := s.page(ctx, listing, token.Filter, &cursor, token.SnapshotID, token.CompleteListSize, token.Delivered)
	if err != nil {
		// The token was consumed for this page; keep it so the client can retry.
		if saveErr := s.tokens.Save(context.WithoutCancel(ctx), token); saveErr != nil {
			return Page{}, errors.Combine(err, errors.WrapIf(saveErr, "restore resumption token"))
		}
		return Page{}, err
	}
	return page, nil
}

func (s *TokenStore) page(ctx context.Context, listing ListingType, filter Filter, after *Cursor, snapshot int64, total, delivered int) (Page, error) {
	rows, err := s.ops.List(ctx, OperationQuery{
		From:   filter.From,
		Until:  filter.Until,
		Set:    filter.Set,
		After:  after,
		UpToID: &snapshot,
		Limit:  s.pageSize + 1,
	})
	if err != nil {
		return Page{}, errors.WrapIf(err, "list operations")
	}
	now := normalizeTime(s.now())
	page := Page{
		ListingType:      listing,
		Filter:           filter,
		CompleteListSize: total,
		Cursor:           delivered,
		ResponseDate:     now,
	}
	if len(rows) > s.pageSize {
		rows = rows[:s.pageSize]
		token := ResumptionToken{
			ID:               s.newID(),
			ListingType:      listing,
			Filter:           filter,
			Cursor:           rows[len(rows)-1].Key(),
			SnapshotID:       snapshot,
			CompleteListSize: total,
			Delivered:        delivered + len(rows),
			CreatedAt:        now,
			ExpiresAt:        now.Add(s.ttl),
		}
		if err := s.tokens.Save(ctx, token); err != nil {
			return Page{}, errors.WrapIf(err, "save resumption token")
		}
		s.metrics.IncTokensMinted()
		page.Token = &token
	}
	page.Operations = rows
	s.metrics.IncListingPage(string(listing))
	return page, nil
}

// PurgeExpired removes tokens whose expiry has passed.
func (s *TokenStore) PurgeExpired(ctx context.Context) (int, error) {
	purged, err := s.tokens.PurgeExpired(ctx, s.now())
	if err != nil {
		return 0, err
	}
	s.metrics.AddTokensPurged(purged)
	return purged, nil
}
