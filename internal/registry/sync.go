package registry

import (
	"context"
	"time"

	"emperror.dev/errors"
)

// ListOperations answers a paged listing. The request is validated before
// the ledger or the token store is touched.
func (s *Store) ListOperations(ctx context.Context, listing ListingType, req ListRequest) (Page, error) {
	if err := ValidateListRequest(req); err != nil {
		return Page{}, err
	}
	if req.ResumptionToken != "" {
		page, err := s.listings.Continue(ctx, listing, req.ResumptionToken)
		if err != nil {
			return Page{}, persistenceFailure("continue listing", err)
		}
		return page, nil
	}
	if !s.SupportsPrefix(req.MetadataPrefix) {
		return Page{}, malformed(CodeCannotDisseminateFormat, "metadata prefix %q is not supported", req.MetadataPrefix)
	}
	filter := Filter{Set: req.Set, MetadataPrefix: req.MetadataPrefix}
	if req.From != nil {
		filter.From = timePtr(normalizeTime(*req.From))
	}
	if req.Until != nil {
		filter.Until = timePtr(normalizeTime(*req.Until))
	}
	page, err := s.listings.Open(ctx, listing, filter)
	if err != nil {
		return Page{}, persistenceFailure("open listing", err)
	}
	if listing != ListingChanges && len(page.Operations) == 0 {
		return Page{}, &ProtocolError{Code: CodeNoRecordsMatch, Message: "no operations match the request", kind: ErrNotFound}
	}
	return page, nil
}

// GetOperations answers "what changed since from". Without a token the
// listing starts at from, or at the epoch when from is nil. With a token
// it continues that listing and from must be nil.
func (s *Store) GetOperations(ctx context.Context, from *time.Time, token string) (Page, error) {
	req := ListRequest{ResumptionToken: token, From: from}
	if token == "" {
		req.MetadataPrefix = s.DefaultPrefix()
		if from == nil {
			req.From = timePtr(time.Unix(0, 0).UTC())
		}
	}
	if err := ValidateListRequest(req); err != nil {
		return Page{}, err
	}
	if req.From != nil && req.From.After(s.now()) {
		return Page{}, malformed(CodeBadArgument, "from %s is in the future", FormatDate(*req.From))
	}
	page, err := s.ListOperations(ctx, ListingChanges, req)
	if err != nil {
		return Page{}, err
	}
	s.log.V(1).Info("changes served", "operations", len(page.Operations), "cursor", page.Cursor, "more", page.Token != nil)
	return page, nil
}

// IsRequestError reports whether err should be answered as a client error.
func IsRequestError(err error) bool {
	return errors.Is(err, ErrMalformedQuery) || errors.Is(err, ErrUnknownOrExpiredToken) || ProtocolCode(err) != ""
}
