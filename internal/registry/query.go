package registry

import (
	"net/url"
	"sort"
	"strings"
	"time"
)

const (
	ParamFrom            = "from"
	ParamUntil           = "until"
	ParamSet             = "set"
	ParamMetadataPrefix  = "metadataPrefix"
	ParamResumptionToken = "resumptionToken"

	dayLayout    = "2006-01-02"
	secondLayout = "2006-01-02T15:04:05Z"
)

// ListRequest is a paged listing request as received from a peer.
type ListRequest struct {
	ResumptionToken string
	From            *time.Time
	Until           *time.Time
	MetadataPrefix  string
	Set             string
}

// ValidateListRequest decides whether req is a well-formed listing request.
// A request either resumes a listing (token only, prefix optional) or starts
// a new one (prefix required).
func ValidateListRequest(req ListRequest) error {
	if strings.TrimSpace(req.ResumptionToken) != "" {
		var extra []string
		if req.From != nil {
			extra = append(extra, ParamFrom)
		}
		if req.Until != nil {
			extra = append(extra, ParamUntil)
		}
		if req.Set != "" {
			extra = append(extra, ParamSet)
		}
		if len(extra) > 0 {
			return malformed(CodeBadArgument, "resumptionToken is exclusive, got %s", strings.Join(extra, ", "))
		}
		return nil
	}
	if strings.TrimSpace(req.MetadataPrefix) == "" {
		return malformed(CodeBadArgument, "metadataPrefix is required")
	}
	if req.From != nil && req.Until != nil && req.From.After(*req.Until) {
		return malformed(CodeBadArgument, "from is after until")
	}
	return nil
}

// ParseListRequest reads a listing request from query parameters. Every
// parameter is single-valued and non-empty; names outside the listing
// parameters and extra are rejected.
func ParseListRequest(values url.Values, extra ...string) (ListRequest, error) {
	allowed := map[string]struct{}{
		ParamFrom:            {},
		ParamUntil:           {},
		ParamSet:             {},
		ParamMetadataPrefix:  {},
		ParamResumptionToken: {},
	}
	for _, name := range extra {
		allowed[name] = struct{}{}
	}
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if _, ok := allowed[name]; !ok {
			return ListRequest{}, malformed(CodeBadArgument, "illegal argument %q", name)
		}
		if len(values[name]) != 1 {
			return ListRequest{}, malformed(CodeBadArgument, "argument %q repeated", name)
		}
		if strings.TrimSpace(values[name][0]) == "" {
			return ListRequest{}, malformed(CodeBadArgument, "argument %q is empty", name)
		}
	}

	req := ListRequest{
		ResumptionToken: strings.TrimSpace(values.Get(ParamResumptionToken)),
		MetadataPrefix:  strings.TrimSpace(values.Get(ParamMetadataPrefix)),
		Set:             strings.TrimSpace(values.Get(ParamSet)),
	}
	if raw := values.Get(ParamFrom); raw != "" {
		from, _, err := ParseDate(raw)
		if err != nil {
			return ListRequest{}, malformed(CodeBadArgument, "invalid from %q", raw)
		}
		req.From = &from
	}
	if raw := values.Get(ParamUntil); raw != "" {
		until, dayOnly, err := ParseDate(raw)
		if err != nil {
			return ListRequest{}, malformed(CodeBadArgument, "invalid until %q", raw)
		}
		if dayOnly {
			until = until.Add(24*time.Hour - time.Microsecond)
		}
		req.Until = &until
	}
	return req, nil
}

// ParseDate accepts yyyy-MM-dd, yyyy-MM-ddTHH:mm:ssZ and RFC 3339 with
// fractional seconds. dayOnly reports the first form.
func ParseDate(raw string) (t time.Time, dayOnly bool, err error) {
	raw = strings.TrimSpace(raw)
	if parsed, perr := time.Parse(dayLayout, raw); perr == nil {
		return parsed.UTC(), true, nil
	}
	if parsed, perr := time.Parse(secondLayout, raw); perr == nil {
		return normalizeTime(parsed), false, nil
	}
	parsed, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false, err
	}
	return normalizeTime(parsed), false, nil
}

// FormatDate renders t in the wire format. Whole seconds use the second
// granularity so plain OAI clients can read them back.
func FormatDate(t time.Time) string {
	t = t.UTC()
	if t.Nanosecond() == 0 {
		return t.Format(secondLayout)
	}
	return t.Format(time.RFC3339Nano)
}
