package registry

import (
	"encoding/xml"
	"io"
	"strings"
	"time"

	"emperror.dev/errors"
)

const OAINamespace = "http://www.openarchives.org/OAI/2.0/"

// ChangesDocument is the body of a /synchronisation/changes response.
type ChangesDocument struct {
	XMLName      xml.Name            `xml:"changes"`
	ResponseDate string              `xml:"responseDate,attr"`
	Operations   []OperationXML      `xml:"operation"`
	Token        *ResumptionTokenXML `xml:"resumptionToken,omitempty"`
	Error        *ErrorXML           `xml:"error,omitempty"`
}

type OperationXML struct {
	ID        int64  `xml:"id,attr"`
	Type      string `xml:"type,attr"`
	Timestamp string `xml:"timestamp,attr"`
	Set       string `xml:"set,attr,omitempty"`
	Origin    string `xml:"origin,attr,omitempty"`
	EntityRef string `xml:",chardata"`
}

// ResumptionTokenXML is empty on the last page of a multi-page listing.
type ResumptionTokenXML struct {
	CompleteListSize int    `xml:"completeListSize,attr"`
	Cursor           int    `xml:"cursor,attr"`
	ExpirationDate   string `xml:"expirationDate,attr,omitempty"`
	Value            string `xml:",chardata"`
}

type ErrorXML struct {
	Code    string `xml:"code,attr"`
	Message string `xml:",chardata"`
}

func operationXML(op Operation) OperationXML {
	return OperationXML{
		ID:        op.ID,
		Type:      string(op.Type),
		Timestamp: FormatDate(op.Timestamp),
		Set:       op.Set,
		Origin:    op.Origin,
		EntityRef: op.EntityRef,
	}
}

func tokenXML(page Page) *ResumptionTokenXML {
	if page.Token != nil {
		return &ResumptionTokenXML{
			CompleteListSize: page.CompleteListSize,
			Cursor:           page.Cursor,
			ExpirationDate:   FormatDate(page.Token.ExpiresAt),
			Value:            page.Token.ID,
		}
	}
	if page.Cursor > 0 {
		return &ResumptionTokenXML{CompleteListSize: page.CompleteListSize, Cursor: page.Cursor}
	}
	return nil
}

func NewChangesDocument(page Page) ChangesDocument {
	doc := ChangesDocument{
		ResponseDate: FormatDate(page.ResponseDate),
		Operations:   make([]OperationXML, 0, len(page.Operations)),
		Token:        tokenXML(page),
	}
	for _, op := range page.Operations {
		doc.Operations = append(doc.Operations, operationXML(op))
	}
	return doc
}

func NewChangesError(code, message string, now time.Time) ChangesDocument {
	return ChangesDocument{
		ResponseDate: FormatDate(now),
		Error:        &ErrorXML{Code: code, Message: message},
	}
}

// ChangesBatch is a decoded changes response.
type ChangesBatch struct {
	Operations       []Operation
	Token            string
	CompleteListSize int
	Cursor           int
	ExpiresAt        *time.Time
}

// DecodeChanges reads a changes document. A document carrying an error
// element is returned as a *ProtocolError.
func DecodeChanges(r io.Reader) (ChangesBatch, error) {
	var doc ChangesDocument
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return ChangesBatch{}, errors.WrapIf(err, "decode changes document")
	}
	if doc.Error != nil {
		return ChangesBatch{}, RemoteProtocolError(doc.Error.Code, strings.TrimSpace(doc.Error.Message))
	}
	batch := ChangesBatch{Operations: make([]Operation, 0, len(doc.Operations))}
	for _, raw := range doc.Operations {
		opType, err := ParseOperationType(raw.Type)
		if err != nil {
			return ChangesBatch{}, errors.WithDetails(errors.WrapIf(err, "decode operation type"), "id", raw.ID, "type", raw.Type)
		}
		ts, _, err := ParseDate(raw.Timestamp)
		if err != nil {
			return ChangesBatch{}, errors.WithDetails(errors.WrapIf(err, "decode operation timestamp"), "id", raw.ID, "timestamp", raw.Timestamp)
		}
		batch.Operations = append(batch.Operations, Operation{
			ID:        raw.ID,
			EntityRef: strings.TrimSpace(raw.EntityRef),
			Set:       raw.Set,
			Type:      opType,
			Timestamp: ts,
			Origin:    raw.Origin,
		})
	}
	if doc.Token != nil {
		batch.Token = strings.TrimSpace(doc.Token.Value)
		batch.CompleteListSize = doc.Token.CompleteListSize
		batch.Cursor = doc.Token.Cursor
		if doc.Token.ExpirationDate != "" {
			if expires, _, err := ParseDate(doc.Token.ExpirationDate); err == nil {
				batch.ExpiresAt = &expires
			}
		}
	}
	return batch, nil
}

// RemoteProtocolError rebuilds a protocol error reported by a peer.
func RemoteProtocolError(code, message string) error {
	kind := error(ErrMalformedQuery)
	switch code {
	case CodeBadResumptionToken:
		kind = ErrUnknownOrExpiredToken
	case CodeNoRecordsMatch:
		kind = ErrNotFound
	}
	return &ProtocolError{Code: code, Message: message, kind: kind}
}

// OAIDocument is a minimal OAI-PMH envelope for ListIdentifiers and
// ListRecords.
type OAIDocument struct {
	XMLName         xml.Name        `xml:"OAI-PMH"`
	Namespace       string          `xml:"xmlns,attr"`
	ResponseDate    string          `xml:"responseDate"`
	Request         OAIRequest      `xml:"request"`
	Error           *ErrorXML       `xml:"error,omitempty"`
	ListIdentifiers *OAIIdentifiers `xml:"ListIdentifiers,omitempty"`
	ListRecords     *OAIRecords     `xml:"ListRecords,omitempty"`
}

type OAIRequest struct {
	Verb            string `xml:"verb,attr,omitempty"`
	MetadataPrefix  string `xml:"metadataPrefix,attr,omitempty"`
	From            string `xml:"from,attr,omitempty"`
	Until           string `xml:"until,attr,omitempty"`
	Set             string `xml:"set,attr,omitempty"`
	ResumptionToken string `xml:"resumptionToken,attr,omitempty"`
	BaseURL         string `xml:",chardata"`
}

type OAIHeader struct {
	Status     string `xml:"status,attr,omitempty"`
	Identifier string `xml:"identifier"`
	Datestamp  string `xml:"datestamp"`
	SetSpec    string `xml:"setSpec,omitempty"`
}

type OAIIdentifiers struct {
	Headers []OAIHeader         `xml:"header"`
	Token   *ResumptionTokenXML `xml:"resumptionToken,omitempty"`
}

type OAIRecord struct {
	Header   OAIHeader    `xml:"header"`
	Metadata OperationXML `xml:"metadata>operation"`
}

type OAIRecords struct {
	Records []OAIRecord         `xml:"record"`
	Token   *ResumptionTokenXML `xml:"resumptionToken,omitempty"`
}

func oaiHeader(op Operation) OAIHeader {
	header := OAIHeader{
		Identifier: op.EntityRef,
		Datestamp:  FormatDate(op.Timestamp),
		SetSpec:    op.Set,
	}
	if op.Type == OperationDeleted {
		header.Status = "deleted"
	}
	return header
}

// NewOAIDocument renders page for the verb it was listed with. A nil page
// with a non-nil err renders an error response.
func NewOAIDocument(request OAIRequest, page *Page, err error, now time.Time) OAIDocument {
	doc := OAIDocument{
		Namespace:    OAINamespace,
		ResponseDate: FormatDate(now),
		Request:      request,
	}
	if err != nil {
		code := ProtocolCode(err)
		message := err.Error()
		var perr *ProtocolError
		if errors.As(err, &perr) {
			message = perr.Message
		}
		doc.Error = &ErrorXML{Code: code, Message: message}
		return doc
	}
	if page == nil {
		return doc
	}
	switch page.ListingType {
	case ListingIdentifiers:
		list := &OAIIdentifiers{Headers: make([]OAIHeader, 0, len(page.Operations)), Token: tokenXML(*page)}
		for _, op := range page.Operations {
			list.Headers = append(list.Headers, oaiHeader(op))
		}
		doc.ListIdentifiers = list
	case ListingRecords:
		list := &OAIRecords{Records: make([]OAIRecord, 0, len(page.Operations)), Token: tokenXML(*page)}
		for _, op := range page.Operations {
			list.Records = append(list.Records, OAIRecord{Header: oaiHeader(op), Metadata: operationXML(op)})
		}
		doc.ListRecords = list
	}
	return doc
}
