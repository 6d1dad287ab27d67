package registry

import (
	"context"
	"strings"
	"time"

	"emperror.dev/errors"
)

// IntegritySummary aggregates the integrity ledger. Timestamps are nil
// when the ledger is empty.
type IntegritySummary struct {
	Corrupted    int                  `json:"corrupted"`
	Unverified   int                  `json:"unverified"`
	FirstAdded   *time.Time           `json:"firstAdded,omitempty"`
	LastVerified *time.Time           `json:"lastVerified,omitempty"`
	MostRecent   *DigitalObjectRecord `json:"mostRecent,omitempty"`
}

// AddObject registers a digital object as UNVERIFIED. Adding an existing
// identifier returns the stored record.
func (s *Store) AddObject(ctx context.Context, identifier string) (DigitalObjectRecord, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return DigitalObjectRecord{}, errors.WithDetails(ErrInvalidInput, "reason", "identifier is required")
	}
	rec, err := s.backend.Objects().Add(ctx, DigitalObjectRecord{
		Identifier: identifier,
		AddedAt:    normalizeTime(s.now()),
		Status:     StatusUnverified,
	})
	if err != nil {
		return DigitalObjectRecord{}, persistenceFailure("add object", err)
	}
	return rec, nil
}

// RecordVerification stores a verifier result. A transition into
// CORRUPTED raises one CORRUPTED_OBJECT notification; repeated CORRUPTED
// results raise nothing.
func (s *Store) RecordVerification(ctx context.Context, identifier string, status VerificationStatus, at time.Time) (DigitalObjectRecord, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return DigitalObjectRecord{}, errors.WithDetails(ErrInvalidInput, "reason", "identifier is required")
	}
	if _, err := ParseVerificationStatus(string(status)); err != nil {
		return DigitalObjectRecord{}, errors.WithDetails(err, "status", status)
	}
	if at.IsZero() {
		at = s.now()
	}
	objects := s.backend.Objects()
	prev, err := objects.Get(ctx, identifier)
	if err != nil {
		return DigitalObjectRecord{}, persistenceFailure("record verification", err)
	}
	rec, changed, err := objects.SetStatus(ctx, identifier, status, normalizeTime(at))
	if err != nil {
		return DigitalObjectRecord{}, persistenceFailure("record verification", err)
	}
	if changed && status == StatusCorrupted {
		if _, err := s.notifier.Raise(ctx, EventCorruptedObject, "corrupted object", identifier); err != nil {
			// Without the event the transition must not stick, otherwise
			// the next CORRUPTED result would see no change.
			s.restoreStatus(ctx, prev, status)
			return DigitalObjectRecord{}, errors.WrapIf(err, "raise corrupted object notification")
		}
		s.log.Info("object corrupted", "identifier", identifier)
	}
	return rec, nil
}

func (s *Store) restoreStatus(ctx context.Context, prev DigitalObjectRecord, from VerificationStatus) {
	restored, err := s.backend.Objects().RestoreStatus(context.WithoutCancel(ctx), prev, from)
	if err != nil {
		s.log.Error(err, "failed to restore object status", "identifier", prev.Identifier, "status", prev.Status)
		return
	}
	if !restored {
		s.log.Info("object status moved on before restore", "identifier", prev.Identifier)
	}
}

func (s *Store) GetObject(ctx context.Context, identifier string) (DigitalObjectRecord, error) {
	return s.backend.Objects().Get(ctx, strings.TrimSpace(identifier))
}

func (s *Store) CountCorrupted(ctx context.Context) (int, error) {
	return s.backend.Objects().CountByStatus(ctx, StatusCorrupted)
}

func (s *Store) FirstAdded(ctx context.Context) (time.Time, error) {
	return s.backend.Objects().FirstAdded(ctx)
}

func (s *Store) LastVerified(ctx context.Context) (time.Time, error) {
	return s.backend.Objects().LastVerified(ctx)
}

func (s *Store) MostRecent(ctx context.Context) (DigitalObjectRecord, error) {
	return s.backend.Objects().MostRecent(ctx)
}

func (s *Store) DeleteAllObjects(ctx context.Context) (int, error) {
	deleted, err := s.backend.Objects().DeleteAll(ctx)
	if err != nil {
		return 0, persistenceFailure("delete objects", err)
	}
	return deleted, nil
}

func (s *Store) IntegritySummary(ctx context.Context) (IntegritySummary, error) {
	objects := s.backend.Objects()
	var summary IntegritySummary
	var err error
	if summary.Corrupted, err = objects.CountByStatus(ctx, StatusCorrupted); err != nil {
		return IntegritySummary{}, err
	}
	if summary.Unverified, err = objects.CountByStatus(ctx, StatusUnverified); err != nil {
		return IntegritySummary{}, err
	}
	if summary.FirstAdded, err = optionalTime(objects.FirstAdded(ctx)); err != nil {
		return IntegritySummary{}, err
	}
	if summary.LastVerified, err = optionalTime(objects.LastVerified(ctx)); err != nil {
		return IntegritySummary{}, err
	}
	recent, err := objects.MostRecent(ctx)
	switch {
	case err == nil:
		summary.MostRecent = &recent
	case !errors.Is(err, ErrNotFound):
		return IntegritySummary{}, err
	}
	return summary, nil
}

// SetFormatRisk stores a format's risk flag and raises FORMAT_AT_RISK when
// the format becomes at risk.
func (s *Store) SetFormatRisk(ctx context.Context, puid string, atRisk bool) (FileFormat, error) {
	puid = strings.TrimSpace(puid)
	if puid == "" {
		return FileFormat{}, errors.WithDetails(ErrInvalidInput, "reason", "puid is required")
	}
	formats := s.backend.Formats()
	changed, err := formats.SetAtRisk(ctx, puid, atRisk)
	if err != nil {
		return FileFormat{}, persistenceFailure("set format risk", err)
	}
	format := FileFormat{PUID: puid, AtRisk: atRisk}
	if changed && atRisk {
		if _, err := s.notifier.Raise(ctx, EventFormatAtRisk, "format at risk", puid); err != nil {
			if _, resetErr := formats.SetAtRisk(context.WithoutCancel(ctx), puid, false); resetErr != nil {
				s.log.Error(resetErr, "failed to reset format risk", "puid", puid)
			}
			return FileFormat{}, errors.WrapIf(err, "raise format at risk notification")
		}
		s.log.Info("format at risk", "puid", puid)
	}
	return format, nil
}

func (s *Store) FormatsAtRisk(ctx context.Context) ([]FileFormat, error) {
	return s.backend.Formats().ListAtRisk(ctx)
}

func optionalTime(t time.Time, err error) (*time.Time, error) {
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}
