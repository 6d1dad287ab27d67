package registry

import (
	"strings"
	"time"
)

type OperationType string

const (
	OperationCreated OperationType = "CREATED"
	OperationUpdated OperationType = "UPDATED"
	OperationDeleted OperationType = "DELETED"
)

func (t OperationType) Valid() bool {
	switch t {
	case OperationCreated, OperationUpdated, OperationDeleted:
		return true
	}
	return false
}

func ParseOperationType(raw string) (OperationType, error) {
	t := OperationType(strings.ToUpper(strings.TrimSpace(raw)))
	if !t.Valid() {
		return "", ErrInvalidInput
	}
	return t, nil
}

// Operation is one recorded change to a registry entry. Operations are
// ordered by Timestamp and then ID.
type Operation struct {
	ID        int64         `json:"id"`
	EntityRef string        `json:"entityRef"`
	Set       string        `json:"set,omitempty"`
	Type      OperationType `json:"type"`
	Timestamp time.Time     `json:"timestamp"`
	Origin    string        `json:"origin,omitempty"`
}

func (o Operation) Key() Cursor {
	return Cursor{Timestamp: o.Timestamp, ID: o.ID}
}

// Cursor is the last-returned key of a paged listing.
type Cursor struct {
	Timestamp time.Time `json:"timestamp"`
	ID        int64     `json:"id"`
}

func (c Cursor) precedes(op Operation) bool {
	if op.Timestamp.Equal(c.Timestamp) {
		return op.ID > c.ID
	}
	return op.Timestamp.After(c.Timestamp)
}

// Entry is the local state of one registry entry, keyed by entity reference.
type Entry struct {
	EntityRef   string    `json:"entityRef"`
	Set         string    `json:"set,omitempty"`
	Deleted     bool      `json:"deleted"`
	LastChanged time.Time `json:"lastChanged"`
	Origin      string    `json:"origin,omitempty"`
}

type ListingType string

const (
	ListingChanges     ListingType = "changes"
	ListingIdentifiers ListingType = "ListIdentifiers"
	ListingRecords     ListingType = "ListRecords"
)

// Filter holds the parameters a listing was opened with.
type Filter struct {
	From           *time.Time `json:"from,omitempty"`
	Until          *time.Time `json:"until,omitempty"`
	Set            string     `json:"set,omitempty"`
	MetadataPrefix string     `json:"metadataPrefix"`
}

type OperationQuery struct {
	From   *time.Time
	Until  *time.Time
	Set    string
	After  *Cursor
	UpToID *int64
	Limit  int
}

func (q OperationQuery) matches(op Operation) bool {
	if q.From != nil && op.Timestamp.Before(*q.From) {
		return false
	}
	if q.Until != nil && op.Timestamp.After(*q.Until) {
		return false
	}
	if q.Set != "" && op.Set != q.Set {
		return false
	}
	if q.UpToID != nil && op.ID > *q.UpToID {
		return false
	}
	if q.After != nil && !q.After.precedes(op) {
		return false
	}
	return true
}

type ResumptionToken struct {
	ID               string      `json:"id"`
	ListingType      ListingType `json:"listingType"`
	Filter           Filter      `json:"filter"`
	Cursor           Cursor      `json:"cursor"`
	SnapshotID       int64       `json:"snapshotId"`
	CompleteListSize int         `json:"completeListSize"`
	Delivered        int         `json:"delivered"`
	CreatedAt        time.Time   `json:"createdAt"`
	ExpiresAt        time.Time   `json:"expiresAt"`
}

func (t ResumptionToken) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// Page is one page of a listing. Token is nil once the listing is exhausted.
type Page struct {
	ListingType      ListingType
	Filter           Filter
	Operations       []Operation
	Token            *ResumptionToken
	CompleteListSize int
	Cursor           int
	ResponseDate     time.Time
}

type RemoteRegistry struct {
	Name           string     `json:"name"`
	Endpoint       string     `json:"endpoint"`
	Description    string     `json:"description,omitempty"`
	Username       string     `json:"username,omitempty"`
	Password       string     `json:"-"`
	MetadataPrefix string     `json:"metadataPrefix"`
	ReadEnabled    bool       `json:"readEnabled"`
	Harvested      bool       `json:"harvested"`
	LastHarvested  *time.Time `json:"lastHarvested,omitempty"`
}

type VerificationStatus string

const (
	StatusOK         VerificationStatus = "OK"
	StatusCorrupted  VerificationStatus = "CORRUPTED"
	StatusUnverified VerificationStatus = "UNVERIFIED"
)

func ParseVerificationStatus(raw string) (VerificationStatus, error) {
	status := VerificationStatus(strings.ToUpper(strings.TrimSpace(raw)))
	switch status {
	case StatusOK, StatusCorrupted, StatusUnverified:
		return status, nil
	}
	return "", ErrInvalidInput
}

type DigitalObjectRecord struct {
	Identifier     string             `json:"identifier"`
	AddedAt        time.Time          `json:"addedAt"`
	LastVerifiedAt *time.Time         `json:"lastVerifiedAt,omitempty"`
	Status         VerificationStatus `json:"status"`
}

type PluginIteration struct {
	ID               int64      `json:"id"`
	Plugin           string     `json:"plugin"`
	ObjectIdentifier string     `json:"objectIdentifier,omitempty"`
	StartedAt        time.Time  `json:"startedAt"`
	FinishedAt       *time.Time `json:"finishedAt,omitempty"`
}

type FileFormat struct {
	PUID   string `json:"puid"`
	AtRisk bool   `json:"atRisk"`
}

// normalizeTime truncates to the precision every backend can store.
func normalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

func timePtr(t time.Time) *time.Time {
	return &t
}
