package httpapi

import (
	"net/http"
	"net/url"
	"strconv"

	"emperror.dev/errors"

	"github.com/agentworkforce/regsync/internal/registry"
)

const paramVerb = "verb"

// handleChanges serves GET /synchronisation/changes?from=...[&metadataPrefix=...]
// and its continuations, which carry only resumptionToken.
func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request) {
	values := r.URL.Query()
	for name := range values {
		switch name {
		case registry.ParamFrom, registry.ParamMetadataPrefix, registry.ParamResumptionToken:
		default:
			s.writeChangesError(w, registry.RemoteProtocolError(registry.CodeBadArgument, "illegal argument "+strconv.Quote(name)))
			return
		}
	}
	req, err := registry.ParseListRequest(values)
	if err != nil {
		s.writeChangesError(w, err)
		return
	}
	if req.ResumptionToken != "" && req.MetadataPrefix != "" {
		s.writeChangesError(w, registry.RemoteProtocolError(registry.CodeBadArgument, "resumptionToken is exclusive"))
		return
	}
	if req.MetadataPrefix != "" && !s.store.SupportsPrefix(req.MetadataPrefix) {
		s.writeChangesError(w, registry.RemoteProtocolError(registry.CodeCannotDisseminateFormat, "metadata prefix "+strconv.Quote(req.MetadataPrefix)+" is not supported"))
		return
	}
	page, err := s.store.GetOperations(r.Context(), req.From, req.ResumptionToken)
	if err != nil {
		s.writeChangesError(w, err)
		return
	}
	writeXML(w, http.StatusOK, registry.NewChangesDocument(page))
}

func (s *Server) writeChangesError(w http.ResponseWriter, err error) {
	code := registry.ProtocolCode(err)
	if code != "" {
		message := err.Error()
		var perr *registry.ProtocolError
		if errors.As(err, &perr) {
			message = perr.Message
		}
		writeXML(w, http.StatusBadRequest, registry.NewChangesError(code, message, s.now()))
		return
	}
	s.cfg.Log.Error(err, "changes request failed")
	writeXML(w, http.StatusInternalServerError, registry.NewChangesError("internalError", "the request could not be served", s.now()))
}

// handleOAI serves the ListIdentifiers and ListRecords verbs. Protocol
// errors are reported inside a 200 response.
func (s *Server) handleOAI(w http.ResponseWriter, r *http.Request) {
	values := r.URL.Query()
	request := registry.OAIRequest{BaseURL: s.baseURL(r)}
	verbs := values[paramVerb]
	if len(verbs) != 1 {
		writeXML(w, http.StatusOK, registry.NewOAIDocument(request, nil,
			registry.RemoteProtocolError(registry.CodeBadVerb, "exactly one verb is required"), s.now()))
		return
	}
	var listing registry.ListingType
	switch verbs[0] {
	case string(registry.ListingIdentifiers):
		listing = registry.ListingIdentifiers
	case string(registry.ListingRecords):
		listing = registry.ListingRecords
	default:
		writeXML(w, http.StatusOK, registry.NewOAIDocument(request, nil,
			registry.RemoteProtocolError(registry.CodeBadVerb, "illegal verb "+strconv.Quote(verbs[0])), s.now()))
		return
	}
	request.Verb = verbs[0]

	req, err := registry.ParseListRequest(values, paramVerb)
	if err == nil {
		request = echoRequest(request, values)
		var page registry.Page
		page, err = s.store.ListOperations(r.Context(), listing, req)
		if err == nil {
			writeXML(w, http.StatusOK, registry.NewOAIDocument(request, &page, nil, s.now()))
			return
		}
	}
	if registry.ProtocolCode(err) == "" {
		s.cfg.Log.Error(err, "oai request failed", "verb", request.Verb)
		writeXML(w, http.StatusInternalServerError, registry.NewOAIDocument(request, nil,
			registry.RemoteProtocolError("internalError", "the request could not be served"), s.now()))
		return
	}
	writeXML(w, http.StatusOK, registry.NewOAIDocument(request, nil, err, s.now()))
}

// echoRequest copies the arguments of a valid request into the response
// envelope.
func echoRequest(request registry.OAIRequest, values url.Values) registry.OAIRequest {
	request.MetadataPrefix = values.Get(registry.ParamMetadataPrefix)
	request.From = values.Get(registry.ParamFrom)
	request.Until = values.Get(registry.ParamUntil)
	request.Set = values.Get(registry.ParamSet)
	request.ResumptionToken = values.Get(registry.ParamResumptionToken)
	return request
}

func (s *Server) baseURL(r *http.Request) string {
	if s.cfg.BaseURL != "" {
		return s.cfg.BaseURL + "/oai-pmh"
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host + "/oai-pmh"
}
