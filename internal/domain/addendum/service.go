package addendum

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medspa/chartkeeper/internal/domain/auditlog"
	"github.com/medspa/chartkeeper/internal/platform/apperr"
	"github.com/medspa/chartkeeper/internal/platform/auth"
	"github.com/medspa/chartkeeper/internal/platform/db"
	"github.com/medspa/chartkeeper/internal/platform/permission"
	"github.com/medspa/chartkeeper/internal/platform/telemetry"
)

const (
	OpCreateAddendum = "create_addendum"
	OpListAddenda    = "list_addenda"
)

// Service is the addendum ledger. Addenda may only be appended to finalized
// encounters and are never changed afterwards.
type Service struct {
	repo    Repository
	tx      db.Transactor
	audit   auditlog.Sink
	perms   permission.Checker
	metrics telemetry.Recorder
	logger  zerolog.Logger
}

func NewService(repo Repository, tx db.Transactor, audit auditlog.Sink, perms permission.Checker) *Service {
	return &Service{
		repo:    repo,
		tx:      tx,
		audit:   audit,
		perms:   perms,
		metrics: telemetry.Nop{},
		logger:  zerolog.Nop(),
	}
}

func (s *Service) SetLogger(l zerolog.Logger) {
	s.logger = l.With().Str("component", "addendum").Logger()
}

func (s *Service) SetMetrics(m telemetry.Recorder) {
	s.metrics = m
}

func (s *Service) finish(op string, actor auth.Actor, encounterID uuid.UUID, err error) error {
	if err == nil {
		s.metrics.Transition(op, "ok")
		return nil
	}
	ae := apperr.From(err)
	s.metrics.Transition(op, string(ae.Kind))
	ev := s.logger.Warn()
	if ae.Kind == apperr.KindInternal {
		ev = s.logger.Error().Err(err)
	}
	ev.Str("op", op).
		Str("encounter_id", encounterID.String()).
		Str("clinic_id", actor.ClinicID.String()).
		Str("user_id", actor.UserID.String()).
		Str("reason", string(ae.Kind)).
		Msg("addendum operation failed")
	return ae
}

func (s *Service) loadEncounter(ctx context.Context, actor auth.Actor, id uuid.UUID) (*Encounter, error) {
	enc, err := s.repo.GetEncounter(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, apperr.NotFound(encounterEntity)
	}
	if err != nil {
		return nil, fmt.Errorf("load encounter: %w", err)
	}
	if enc.ClinicID != actor.ClinicID {
		return nil, apperr.TenantMismatch(encounterEntity)
	}
	return enc, nil
}

// CreateAddendum appends text to a finalized encounter together with its
// audit entry.
func (s *Service) CreateAddendum(ctx context.Context, actor auth.Actor, encounterID uuid.UUID, text string) (*Addendum, error) {
	if !s.perms.HasPermission(actor.Role, permission.ResourceAddenda, permission.ActionCreate) {
		return nil, s.finish(OpCreateAddendum, actor, encounterID, apperr.PermissionDenied())
	}

	var created *Addendum
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		enc, err := s.loadEncounter(ctx, actor, encounterID)
		if err != nil {
			return err
		}
		trimmed := strings.TrimSpace(text)
		if trimmed == "" {
			return apperr.InvalidInput(MsgTextRequired)
		}
		if len(trimmed) > MaxTextLength {
			return apperr.InvalidInput(MsgTextTooLong)
		}
		if enc.Status != statusFinalized {
			return apperr.InvalidTransition(MsgNotFinalized)
		}

		created = &Addendum{
			ClinicID:    actor.ClinicID,
			EncounterID: enc.ID,
			AuthorID:    actor.UserID,
			Text:        trimmed,
		}
		if err := s.repo.Create(ctx, created); err != nil {
			return fmt.Errorf("insert addendum: %w", err)
		}
		err = s.audit.Append(ctx, &auditlog.Entry{
			ClinicID:   actor.ClinicID,
			UserID:     actor.UserID,
			Action:     auditlog.ActionAddendumCreated,
			EntityType: auditlog.EntityAddendum,
			EntityID:   created.ID,
			Details: map[string]interface{}{
				"addendumId":  created.ID.String(),
				"encounterId": enc.ID.String(),
				"patientId":   enc.PatientID.String(),
			},
		})
		if err != nil {
			return fmt.Errorf("append audit: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, s.finish(OpCreateAddendum, actor, encounterID, err)
	}
	s.finish(OpCreateAddendum, actor, encounterID, nil)
	return created, nil
}

// ListAddenda returns an encounter's addenda oldest first with author names.
func (s *Service) ListAddenda(ctx context.Context, actor auth.Actor, encounterID uuid.UUID) ([]*Addendum, error) {
	if !s.perms.HasPermission(actor.Role, permission.ResourceAddenda, permission.ActionView) {
		return nil, s.finish(OpListAddenda, actor, encounterID, apperr.PermissionDenied())
	}

	var list []*Addendum
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		enc, err := s.loadEncounter(ctx, actor, encounterID)
		if err != nil {
			return err
		}
		list, err = s.repo.ListByEncounter(ctx, encounterID)
		if err != nil {
			return fmt.Errorf("list addenda: %w", err)
		}
		if list == nil {
			list = []*Addendum{}
		}
		err = s.audit.Append(ctx, &auditlog.Entry{
			ClinicID:   actor.ClinicID,
			UserID:     actor.UserID,
			Action:     auditlog.ActionAddendaViewed,
			EntityType: auditlog.EntityEncounter,
			EntityID:   encounterID,
			Details: map[string]interface{}{
				"patientId": enc.PatientID.String(),
				"count":     len(list),
			},
		})
		if err != nil {
			return fmt.Errorf("append audit: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, s.finish(OpListAddenda, actor, encounterID, err)
	}
	s.finish(OpListAddenda, actor, encounterID, nil)
	return list, nil
}
