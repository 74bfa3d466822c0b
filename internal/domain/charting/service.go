package charting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medspa/chartkeeper/internal/domain/auditlog"
	"github.com/medspa/chartkeeper/internal/platform/apperr"
	"github.com/medspa/chartkeeper/internal/platform/auth"
	"github.com/medspa/chartkeeper/internal/platform/cardcheck"
	"github.com/medspa/chartkeeper/internal/platform/db"
	"github.com/medspa/chartkeeper/internal/platform/mediastore"
	"github.com/medspa/chartkeeper/internal/platform/permission"
	"github.com/medspa/chartkeeper/internal/platform/recordhash"
	"github.com/medspa/chartkeeper/internal/platform/telemetry"
)

// CardValidator checks a treatment card's structured data.
type CardValidator interface {
	Validate(templateType string, structuredData []byte) cardcheck.Result
}

// Operation names used for logs and metrics.
const (
	OpStartEncounter        = "start_encounter"
	OpGetChart              = "get_chart"
	OpUpdateChart           = "update_chart"
	OpUpdateTreatmentCard   = "update_treatment_card"
	OpUploadMedia           = "upload_media"
	OpApplyAiDraft          = "apply_ai_draft"
	OpUpdatePhotoAnnotation = "update_photo_annotation"
	OpProviderSign          = "provider_sign"
	OpCoSign                = "co_sign"
	OpVerifyRecordHash      = "verify_record_hash"
)

// Service is the record lifecycle engine. Every operation checks the
// caller's permission before loading anything, then loads and locks the
// record, evaluates its guards, and writes the record together with one
// audit entry in a single transaction.
type Service struct {
	repo    Repository
	tx      db.Transactor
	audit   auditlog.Sink
	perms   permission.Checker
	cards   CardValidator
	media   mediastore.Store
	metrics telemetry.Recorder
	logger  zerolog.Logger
	now     func() time.Time

	enforceSignValidation bool
}

func NewService(repo Repository, tx db.Transactor, audit auditlog.Sink, perms permission.Checker, cards CardValidator, media mediastore.Store) *Service {
	return &Service{
		repo:                  repo,
		tx:                    tx,
		audit:                 audit,
		perms:                 perms,
		cards:                 cards,
		media:                 media,
		metrics:               telemetry.Nop{},
		logger:                zerolog.Nop(),
		now:                   func() time.Time { return time.Now().UTC() },
		enforceSignValidation: true,
	}
}

func (s *Service) SetLogger(l zerolog.Logger) {
	s.logger = l.With().Str("component", "charting").Logger()
}

func (s *Service) SetMetrics(m telemetry.Recorder) {
	s.metrics = m
}

// SetEnforceSignValidation toggles the high-risk field check inside
// ProviderSign. It is on by default.
func (s *Service) SetEnforceSignValidation(on bool) {
	s.enforceSignValidation = on
}

// -- Operation plumbing --

// begin rejects callers without the capability. It runs before any state
// is read.
func (s *Service) begin(op string, actor auth.Actor, resource, action string, entityID uuid.UUID) error {
	if s.perms.HasPermission(actor.Role, resource, action) {
		return nil
	}
	return s.finish(op, actor, entityID, apperr.PermissionDenied())
}

// finish classifies err, logs and counts the outcome, and returns the error
// the caller should see.
func (s *Service) finish(op string, actor auth.Actor, entityID uuid.UUID, err error) error {
	if err == nil {
		s.metrics.Transition(op, "ok")
		return nil
	}
	if errors.Is(err, ErrVersionConflict) {
		err = apperr.Conflict()
	}
	ae := apperr.From(err)
	s.metrics.Transition(op, string(ae.Kind))

	if ae.Kind == apperr.KindInternal {
		s.logger.Error().Err(err).
			Str("op", op).
			Str("entity_id", entityID.String()).
			Str("clinic_id", actor.ClinicID.String()).
			Str("user_id", actor.UserID.String()).
			Msg("lifecycle operation failed")
		return ae
	}
	s.logger.Warn().
		Str("op", op).
		Str("entity_id", entityID.String()).
		Str("clinic_id", actor.ClinicID.String()).
		Str("user_id", actor.UserID.String()).
		Str("reason", string(ae.Kind)).
		Msg("lifecycle operation rejected")
	return ae
}

// loadRecord reads a chart and its encounter, locking both when lock is set,
// and rejects charts outside the caller's clinic.
func (s *Service) loadRecord(ctx context.Context, actor auth.Actor, chartID uuid.UUID, lock bool) (*Record, error) {
	chart, err := s.repo.GetChart(ctx, chartID, lock)
	if errors.Is(err, ErrNotFound) {
		return nil, apperr.NotFound("Chart")
	}
	if err != nil {
		return nil, fmt.Errorf("load chart: %w", err)
	}
	if chart.ClinicID != actor.ClinicID {
		return nil, apperr.TenantMismatch("Chart")
	}

	rec := &Record{Chart: chart}
	if chart.EncounterID != nil {
		enc, err := s.repo.GetEncounter(ctx, *chart.EncounterID, lock)
		if err != nil {
			return nil, fmt.Errorf("load encounter %s: %w", chart.EncounterID, err)
		}
		rec.Encounter = enc
	}
	if rec.Drifted() {
		s.logger.Error().
			Str("chart_id", chart.ID.String()).
			Str("encounter_id", rec.Encounter.ID.String()).
			Str("chart_status", string(chart.Status)).
			Str("encounter_status", string(rec.Encounter.Status)).
			Msg("chart status drifted from encounter; using encounter status")
	}
	return rec, nil
}

// loadSigner resolves the acting user's clinical profile.
func (s *Service) loadSigner(ctx context.Context, actor auth.Actor) (*User, error) {
	user, err := s.repo.GetUser(ctx, actor.UserID)
	if errors.Is(err, ErrNotFound) {
		return nil, apperr.PermissionDenied()
	}
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	if user.ClinicID != actor.ClinicID {
		return nil, apperr.PermissionDenied()
	}
	return user, nil
}

// checkResponsibleSigner allows a provider signature only from the
// encounter's provider. Legacy charts carry no provider, so any clinical
// signer may sign them.
func checkResponsibleSigner(rec *Record, signer *User) error {
	if rec.Encounter != nil {
		if signer.ID != rec.Encounter.ProviderID {
			return apperr.PermissionDenied()
		}
		return nil
	}
	if signer.Role != RoleProvider && signer.Role != RoleMedicalDirector {
		return apperr.PermissionDenied()
	}
	return nil
}

// save writes the chart and, when present, its encounter.
func (s *Service) save(ctx context.Context, rec *Record) error {
	if err := s.repo.UpdateChart(ctx, rec.Chart); err != nil {
		return err
	}
	if rec.Encounter != nil {
		if err := s.repo.UpdateEncounter(ctx, rec.Encounter); err != nil {
			return err
		}
	}
	return nil
}

// touch bumps the chart's version and timestamp for edits that change
// child rows, so concurrent transitions see the change.
func (s *Service) touch(ctx context.Context, rec *Record, now time.Time) error {
	rec.Chart.UpdatedAt = now
	return s.repo.UpdateChart(ctx, rec.Chart)
}

func (s *Service) appendAudit(ctx context.Context, actor auth.Actor, action auditlog.Action, entityType string, entityID uuid.UUID, details map[string]interface{}) error {
	err := s.audit.Append(ctx, &auditlog.Entry{
		ClinicID:   actor.ClinicID,
		UserID:     actor.UserID,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Details:    details,
	})
	if err != nil {
		return fmt.Errorf("append audit %s: %w", action, err)
	}
	return nil
}

// -- Visit start --

func (s *Service) StartEncounter(ctx context.Context, actor auth.Actor, in StartEncounterInput) (*ChartView, error) {
	if err := s.begin(OpStartEncounter, actor, permission.ResourceCharts, permission.ActionEdit, in.PatientID); err != nil {
		return nil, err
	}

	var rec *Record
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		if in.PatientID == uuid.Nil || in.ProviderID == uuid.Nil {
			return apperr.InvalidInput("patient_id and provider_id are required")
		}
		provider, err := s.repo.GetUser(ctx, in.ProviderID)
		if errors.Is(err, ErrNotFound) {
			return apperr.NotFound("Provider")
		}
		if err != nil {
			return fmt.Errorf("load provider: %w", err)
		}
		if provider.ClinicID != actor.ClinicID {
			return apperr.TenantMismatch("Provider")
		}
		if !s.perms.HasPermission(provider.Role, permission.ResourceCharts, permission.ActionEdit) {
			return apperr.InvalidInput("Provider cannot document encounters")
		}

		enc := &Encounter{
			ClinicID:   actor.ClinicID,
			PatientID:  in.PatientID,
			ProviderID: provider.ID,
			Status:     StatusDraft,
		}
		if err := s.repo.CreateEncounter(ctx, enc); err != nil {
			return fmt.Errorf("create encounter: %w", err)
		}
		chart := &Chart{
			ClinicID:    actor.ClinicID,
			PatientID:   in.PatientID,
			EncounterID: &enc.ID,
			Status:      StatusDraft.Chart(),
		}
		if err := s.repo.CreateChart(ctx, chart); err != nil {
			return fmt.Errorf("create chart: %w", err)
		}
		rec = &Record{Chart: chart, Encounter: enc}

		return s.appendAudit(ctx, actor, auditlog.ActionEncounterStarted, auditlog.EntityEncounter, enc.ID, map[string]interface{}{
			"chartId":    chart.ID.String(),
			"patientId":  in.PatientID.String(),
			"providerId": provider.ID.String(),
		})
	})
	if err != nil {
		return nil, s.finish(OpStartEncounter, actor, in.PatientID, err)
	}
	s.finish(OpStartEncounter, actor, rec.Encounter.ID, nil)
	return rec.view(), nil
}

// -- Reads --

// GetChart returns the chart with its cards and photos. The read is audited;
// nothing is returned unless the audit entry committed.
func (s *Service) GetChart(ctx context.Context, actor auth.Actor, chartID uuid.UUID) (*ChartView, error) {
	if err := s.begin(OpGetChart, actor, permission.ResourceCharts, permission.ActionView, chartID); err != nil {
		return nil, err
	}

	var view *ChartView
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		rec, err := s.loadRecord(ctx, actor, chartID, false)
		if err != nil {
			return err
		}
		cards, err := s.repo.ListTreatmentCards(ctx, chartID)
		if err != nil {
			return fmt.Errorf("list treatment cards: %w", err)
		}
		photos, err := s.repo.ListPhotos(ctx, chartID)
		if err != nil {
			return fmt.Errorf("list photos: %w", err)
		}
		view = rec.view()
		view.TreatmentCards = cards
		view.Photos = photos

		return s.appendAudit(ctx, actor, auditlog.ActionChartViewed, auditlog.EntityChart, chartID, map[string]interface{}{
			"patientId": rec.Chart.PatientID.String(),
		})
	})
	if err != nil {
		return nil, s.finish(OpGetChart, actor, chartID, err)
	}
	s.finish(OpGetChart, actor, chartID, nil)
	return view, nil
}

// VerifyRecordHash recomputes the digest over the chart's current content
// and compares it with the one stored at the last signing event.
func (s *Service) VerifyRecordHash(ctx context.Context, actor auth.Actor, chartID uuid.UUID) (*IntegrityReport, error) {
	if err := s.begin(OpVerifyRecordHash, actor, permission.ResourceCharts, permission.ActionView, chartID); err != nil {
		return nil, err
	}

	var report *IntegrityReport
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		rec, err := s.loadRecord(ctx, actor, chartID, false)
		if err != nil {
			return err
		}
		if rec.Chart.RecordHash == nil || *rec.Chart.RecordHash == "" {
			return apperr.InvalidTransition(MsgNotSigned)
		}
		cards, err := s.repo.ListTreatmentCards(ctx, chartID)
		if err != nil {
			return fmt.Errorf("list treatment cards: %w", err)
		}
		computed := recordhash.Compute(rec.hashContent(cards))
		report = &IntegrityReport{
			ChartID:      chartID,
			StoredHash:   *rec.Chart.RecordHash,
			ComputedHash: computed,
			Matches:      computed == *rec.Chart.RecordHash,
		}
		if !report.Matches {
			s.logger.Error().
				Str("chart_id", chartID.String()).
				Str("clinic_id", actor.ClinicID.String()).
				Msg("record hash mismatch")
		}
		return s.appendAudit(ctx, actor, auditlog.ActionRecordHashVerified, auditlog.EntityChart, chartID, map[string]interface{}{
			"storedHash":   report.StoredHash,
			"computedHash": report.ComputedHash,
			"matches":      report.Matches,
		})
	})
	if err != nil {
		return nil, s.finish(OpVerifyRecordHash, actor, chartID, err)
	}
	s.finish(OpVerifyRecordHash, actor, chartID, nil)
	return report, nil
}

// -- Draft edits --

func (s *Service) UpdateChart(ctx context.Context, actor auth.Actor, chartID uuid.UUID, patch ChartPatch) (*ChartView, error) {
	if err := s.begin(OpUpdateChart, actor, permission.ResourceCharts, permission.ActionEdit, chartID); err != nil {
		return nil, err
	}

	var rec *Record
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		var err error
		rec, err = s.loadRecord(ctx, actor, chartID, true)
		if err != nil {
			return err
		}
		if err := rec.checkEditable(false); err != nil {
			return err
		}
		if patch.empty() {
			return apperr.InvalidInput("No chart fields to update")
		}
		changed := patch.apply(rec.Chart)
		rec.Chart.UpdatedAt = s.now()
		if err := s.repo.UpdateChart(ctx, rec.Chart); err != nil {
			return err
		}
		return s.appendAudit(ctx, actor, auditlog.ActionChartUpdated, auditlog.EntityChart, chartID, map[string]interface{}{
			"fields": changed,
		})
	})
	if err != nil {
		return nil, s.finish(OpUpdateChart, actor, chartID, err)
	}
	s.finish(OpUpdateChart, actor, chartID, nil)
	return rec.view(), nil
}

func (s *Service) UpdateTreatmentCard(ctx context.Context, actor auth.Actor, cardID uuid.UUID, patch CardPatch) (*CardResult, error) {
	if err := s.begin(OpUpdateTreatmentCard, actor, permission.ResourceCharts, permission.ActionEdit, cardID); err != nil {
		return nil, err
	}

	var card *TreatmentCard
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		found, err := s.repo.GetTreatmentCard(ctx, cardID)
		if errors.Is(err, ErrNotFound) {
			return apperr.NotFound("Treatment card")
		}
		if err != nil {
			return fmt.Errorf("load treatment card: %w", err)
		}
		if found.ClinicID != actor.ClinicID {
			return apperr.TenantMismatch("Treatment card")
		}
		rec, err := s.loadRecord(ctx, actor, found.ChartID, true)
		if err != nil {
			return err
		}
		if err := rec.checkEditable(true); err != nil {
			return err
		}
		// Re-read under the chart lock.
		card, err = s.repo.GetTreatmentCard(ctx, cardID)
		if err != nil {
			return fmt.Errorf("reload treatment card: %w", err)
		}

		if patch.Title == nil && patch.NarrativeText == nil && patch.StructuredData == nil {
			return apperr.InvalidInput("No treatment card fields to update")
		}
		if patch.StructuredData != nil && !json.Valid(patch.StructuredData) {
			return apperr.InvalidInput(MsgInvalidStructured)
		}
		if patch.Title != nil {
			card.Title = *patch.Title
		}
		if patch.NarrativeText != nil {
			card.NarrativeText = *patch.NarrativeText
		}
		if patch.StructuredData != nil {
			card.StructuredData = compactJSON(patch.StructuredData)
		}
		now := s.now()
		card.UpdatedAt = now
		if err := s.repo.UpdateTreatmentCard(ctx, card); err != nil {
			return fmt.Errorf("update treatment card: %w", err)
		}
		if err := s.touch(ctx, rec, now); err != nil {
			return err
		}
		return s.appendAudit(ctx, actor, auditlog.ActionTreatmentCardUpdated, auditlog.EntityTreatmentCard, cardID, map[string]interface{}{
			"chartId":      card.ChartID.String(),
			"cardId":       cardID.String(),
			"templateType": card.TemplateType,
		})
	})
	if err != nil {
		return nil, s.finish(OpUpdateTreatmentCard, actor, cardID, err)
	}
	s.finish(OpUpdateTreatmentCard, actor, cardID, nil)
	return &CardResult{Card: card, Validation: s.cards.Validate(card.TemplateType, card.StructuredData)}, nil
}

// MediaUpload is one file posted against a chart.
type MediaUpload struct {
	FileName    string
	ContentType string
	Body        io.Reader
}

// UploadMedia stores the file and records it on the chart. The blob is
// written outside the transaction; if the record cannot be committed the
// blob is removed again.
func (s *Service) UploadMedia(ctx context.Context, actor auth.Actor, chartID uuid.UUID, up MediaUpload) (*Photo, error) {
	if err := s.begin(OpUploadMedia, actor, permission.ResourcePhotos, permission.ActionEdit, chartID); err != nil {
		return nil, err
	}

	// Evaluate guards before touching storage.
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		rec, err := s.loadRecord(ctx, actor, chartID, false)
		if err != nil {
			return err
		}
		return rec.checkEditable(false)
	})
	if err != nil {
		return nil, s.finish(OpUploadMedia, actor, chartID, err)
	}

	key := mediastore.ObjectKey(actor.ClinicID, chartID, up.FileName)
	obj, err := s.media.Put(ctx, mediastore.Upload{Key: key, FileName: up.FileName, ContentType: up.ContentType}, up.Body)
	if err != nil {
		return nil, s.finish(OpUploadMedia, actor, chartID, mediaError(err))
	}

	var photo *Photo
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		rec, err := s.loadRecord(ctx, actor, chartID, true)
		if err != nil {
			return err
		}
		if err := rec.checkEditable(false); err != nil {
			return err
		}
		now := s.now()
		photo = &Photo{
			ClinicID:     actor.ClinicID,
			ChartID:      chartID,
			StorageKey:   obj.Key,
			FileName:     obj.FileName,
			ContentType:  obj.ContentType,
			SizeBytes:    obj.Size,
			SHA256:       obj.SHA256,
			Annotations:  json.RawMessage("[]"),
			UploadedByID: actor.UserID,
		}
		if err := s.repo.CreatePhoto(ctx, photo); err != nil {
			return fmt.Errorf("create photo: %w", err)
		}
		if err := s.touch(ctx, rec, now); err != nil {
			return err
		}
		return s.appendAudit(ctx, actor, auditlog.ActionMediaUploaded, auditlog.EntityPhoto, photo.ID, map[string]interface{}{
			"chartId":     chartID.String(),
			"fileName":    obj.FileName,
			"contentType": obj.ContentType,
			"sizeBytes":   obj.Size,
		})
	})
	if err != nil {
		if derr := s.media.Delete(context.WithoutCancel(ctx), key); derr != nil && !errors.Is(derr, mediastore.ErrNotFound) {
			s.logger.Error().Err(derr).Str("storage_key", key).Msg("orphaned media blob after failed upload")
		}
		return nil, s.finish(OpUploadMedia, actor, chartID, err)
	}
	s.finish(OpUploadMedia, actor, chartID, nil)
	return photo, nil
}

func mediaError(err error) error {
	switch {
	case errors.Is(err, mediastore.ErrFileTooLarge):
		return apperr.InvalidInput("File exceeds the maximum upload size")
	case errors.Is(err, mediastore.ErrInvalidContentType):
		return apperr.InvalidInput("Unsupported media type")
	case errors.Is(err, mediastore.ErrMissingFileName):
		return apperr.InvalidInput("File name is required")
	default:
		return fmt.Errorf("store media: %w", err)
	}
}

// ApplyAiDraft merges a reviewed documentation draft into a Draft chart.
// New cards are appended after the chart's existing cards.
func (s *Service) ApplyAiDraft(ctx context.Context, actor auth.Actor, chartID uuid.UUID, draft AiDraft) (*ChartView, error) {
	if err := s.begin(OpApplyAiDraft, actor, permission.ResourceCharts, permission.ActionEdit, chartID); err != nil {
		return nil, err
	}

	var view *ChartView
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		rec, err := s.loadRecord(ctx, actor, chartID, true)
		if err != nil {
			return err
		}
		if err := rec.checkEditable(false); err != nil {
			return err
		}
		if draft.Fields.empty() && len(draft.TreatmentCards) == 0 {
			return apperr.InvalidInput("AI draft is empty")
		}
		for _, nc := range draft.TreatmentCards {
			if len(nc.StructuredData) > 0 && !json.Valid(nc.StructuredData) {
				return apperr.InvalidInput(MsgInvalidStructured)
			}
		}

		existing, err := s.repo.ListTreatmentCards(ctx, chartID)
		if err != nil {
			return fmt.Errorf("list treatment cards: %w", err)
		}
		next := 0
		for _, c := range existing {
			if c.SortOrder >= next {
				next = c.SortOrder + 1
			}
		}

		now := s.now()
		cards := existing
		for _, nc := range draft.TreatmentCards {
			card := &TreatmentCard{
				ClinicID:       actor.ClinicID,
				ChartID:        chartID,
				TemplateType:   normalizeTemplate(nc.TemplateType),
				Title:          nc.Title,
				NarrativeText:  nc.NarrativeText,
				StructuredData: compactJSON(nc.StructuredData),
				SortOrder:      next,
			}
			next++
			if err := s.repo.CreateTreatmentCard(ctx, card); err != nil {
				return fmt.Errorf("create treatment card: %w", err)
			}
			cards = append(cards, card)
		}

		fields := draft.Fields.apply(rec.Chart)
		if err := s.touch(ctx, rec, now); err != nil {
			return err
		}
		view = rec.view()
		view.TreatmentCards = cards

		if fields == nil {
			fields = []string{}
		}
		return s.appendAudit(ctx, actor, auditlog.ActionAiDraftApplied, auditlog.EntityChart, chartID, map[string]interface{}{
			"fields":    fields,
			"cardCount": len(draft.TreatmentCards),
		})
	})
	if err != nil {
		return nil, s.finish(OpApplyAiDraft, actor, chartID, err)
	}
	s.finish(OpApplyAiDraft, actor, chartID, nil)
	return view, nil
}

func (s *Service) UpdatePhotoAnnotation(ctx context.Context, actor auth.Actor, photoID uuid.UUID, annotations json.RawMessage) (*Photo, error) {
	if err := s.begin(OpUpdatePhotoAnnotation, actor, permission.ResourcePhotos, permission.ActionEdit, photoID); err != nil {
		return nil, err
	}

	var photo *Photo
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		found, err := s.repo.GetPhoto(ctx, photoID)
		if errors.Is(err, ErrNotFound) {
			return apperr.NotFound("Photo")
		}
		if err != nil {
			return fmt.Errorf("load photo: %w", err)
		}
		if found.ClinicID != actor.ClinicID {
			return apperr.TenantMismatch("Photo")
		}
		rec, err := s.loadRecord(ctx, actor, found.ChartID, true)
		if err != nil {
			return err
		}
		if err := rec.checkEditable(false); err != nil {
			return err
		}
		count, ok := jsonArrayLen(annotations)
		if !ok {
			return apperr.InvalidInput(MsgInvalidAnnotations)
		}

		now := s.now()
		photo = found
		photo.Annotations = compactJSON(annotations)
		photo.UpdatedAt = now
		if err := s.repo.UpdatePhotoAnnotations(ctx, photoID, photo.Annotations, now); err != nil {
			return fmt.Errorf("update annotations: %w", err)
		}
		if err := s.touch(ctx, rec, now); err != nil {
			return err
		}
		return s.appendAudit(ctx, actor, auditlog.ActionPhotoAnnotationUpdated, auditlog.EntityPhoto, photoID, map[string]interface{}{
			"chartId":         found.ChartID.String(),
			"annotationCount": count,
		})
	})
	if err != nil {
		return nil, s.finish(OpUpdatePhotoAnnotation, actor, photoID, err)
	}
	s.finish(OpUpdatePhotoAnnotation, actor, photoID, nil)
	return photo, nil
}

// -- Signing --

// ProviderSign attests a Draft chart. Signers who require MD review move the
// record to PendingReview; everyone else finalizes it directly.
func (s *Service) ProviderSign(ctx context.Context, actor auth.Actor, chartID uuid.UUID) (*ChartView, error) {
	if err := s.begin(OpProviderSign, actor, permission.ResourceCharts, permission.ActionEdit, chartID); err != nil {
		return nil, err
	}

	var rec *Record
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		var err error
		rec, err = s.loadRecord(ctx, actor, chartID, true)
		if err != nil {
			return err
		}
		switch rec.EffectiveStatus() {
		case StatusFinalized:
			return apperr.InvalidTransition(MsgAlreadyFinalized)
		case StatusPendingReview:
			return apperr.InvalidTransition(MsgAlreadyPending)
		}
		signer, err := s.loadSigner(ctx, actor)
		if err != nil {
			return err
		}
		if err := checkResponsibleSigner(rec, signer); err != nil {
			return err
		}
		cards, err := s.repo.ListTreatmentCards(ctx, chartID)
		if err != nil {
			return fmt.Errorf("list treatment cards: %w", err)
		}
		if s.enforceSignValidation {
			if err := s.checkSignable(cards); err != nil {
				return err
			}
		}

		now := s.now()
		hash := recordhash.Compute(rec.hashContent(cards))
		rec.Chart.RecordHash = &hash
		rec.Chart.ProviderSignedAt = &now
		rec.Chart.ProviderSignedByID = &signer.ID

		details := map[string]interface{}{"recordHash": hash}
		if signer.RequiresMDReview {
			rec.transition(StatusPendingReview, now)
			details["submittedForReview"] = true
		} else {
			rec.transition(StatusFinalized, now)
			name := signer.DisplayName
			rec.Chart.SignedByID = &signer.ID
			rec.Chart.SignedByName = &name
			rec.Chart.SignedAt = &now
			details["finalizedDirectly"] = true
		}
		if rec.Encounter != nil {
			details["encounterId"] = rec.Encounter.ID.String()
		}

		if err := s.save(ctx, rec); err != nil {
			return err
		}
		return s.appendAudit(ctx, actor, auditlog.ActionChartProviderSign, auditlog.EntityChart, chartID, details)
	})
	if err != nil {
		return nil, s.finish(OpProviderSign, actor, chartID, err)
	}
	s.finish(OpProviderSign, actor, chartID, nil)
	s.logger.Info().
		Str("op", OpProviderSign).
		Str("chart_id", chartID.String()).
		Str("clinic_id", actor.ClinicID.String()).
		Str("status", string(rec.EffectiveStatus())).
		Str("record_hash", *rec.Chart.RecordHash).
		Msg("chart signed")
	return rec.view(), nil
}

// checkSignable refuses a sign-off while any card is missing high-risk
// fields.
func (s *Service) checkSignable(cards []*TreatmentCard) error {
	var blocked []map[string]interface{}
	for _, card := range cards {
		result := s.cards.Validate(card.TemplateType, card.StructuredData)
		if !result.Blocking() {
			continue
		}
		s.metrics.ValidationBlocked(card.TemplateType)
		blocked = append(blocked, map[string]interface{}{
			"cardId":                card.ID.String(),
			"templateType":          card.TemplateType,
			"missingHighRiskFields": result.MissingHighRiskFields,
		})
	}
	if len(blocked) == 0 {
		return nil
	}
	return apperr.ValidationBlocked(MsgHighRiskMissing, map[string]interface{}{"cards": blocked})
}

// CoSign finalizes a chart awaiting physician review. The record hash is
// recomputed over the content as it stands now.
func (s *Service) CoSign(ctx context.Context, actor auth.Actor, chartID uuid.UUID) (*ChartView, error) {
	if err := s.begin(OpCoSign, actor, permission.ResourceCharts, permission.ActionSign, chartID); err != nil {
		return nil, err
	}

	var rec *Record
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		var err error
		rec, err = s.loadRecord(ctx, actor, chartID, true)
		if err != nil {
			return err
		}
		switch rec.EffectiveStatus() {
		case StatusDraft:
			return apperr.InvalidTransition(MsgNotPendingReview)
		case StatusFinalized:
			return apperr.InvalidTransition(MsgAlreadyFinalized)
		}
		if rec.Chart.ProviderSignedAt == nil {
			return apperr.InvalidTransition(MsgNotProviderSigned)
		}
		signer, err := s.loadSigner(ctx, actor)
		if err != nil {
			return err
		}
		// The co-signature must come from someone other than the provider signer.
		if rec.Chart.ProviderSignedByID != nil && *rec.Chart.ProviderSignedByID == signer.ID {
			return apperr.PermissionDenied()
		}
		cards, err := s.repo.ListTreatmentCards(ctx, chartID)
		if err != nil {
			return fmt.Errorf("list treatment cards: %w", err)
		}

		now := s.now()
		previous := ""
		if rec.Chart.RecordHash != nil {
			previous = *rec.Chart.RecordHash
		}
		hash := recordhash.Compute(rec.hashContent(cards))
		name := signer.DisplayName
		rec.transition(StatusFinalized, now)
		rec.Chart.RecordHash = &hash
		rec.Chart.SignedByID = &signer.ID
		rec.Chart.SignedByName = &name
		rec.Chart.SignedAt = &now

		details := map[string]interface{}{
			"recordHash":         hash,
			"previousRecordHash": previous,
		}
		if rec.Chart.ProviderSignedByID != nil {
			details["providerSignedById"] = rec.Chart.ProviderSignedByID.String()
		}
		if rec.Encounter != nil {
			details["encounterId"] = rec.Encounter.ID.String()
		}

		if err := s.save(ctx, rec); err != nil {
			return err
		}
		return s.appendAudit(ctx, actor, auditlog.ActionMDCoSign, auditlog.EntityChart, chartID, details)
	})
	if err != nil {
		return nil, s.finish(OpCoSign, actor, chartID, err)
	}
	s.finish(OpCoSign, actor, chartID, nil)
	s.logger.Info().
		Str("op", OpCoSign).
		Str("chart_id", chartID.String()).
		Str("clinic_id", actor.ClinicID.String()).
		Str("status", string(rec.EffectiveStatus())).
		Str("record_hash", *rec.Chart.RecordHash).
		Msg("chart co-signed")
	return rec.view(), nil
}

// -- helpers --

func normalizeTemplate(t string) string {
	if t == "" {
		return cardcheck.TemplateOther
	}
	return t
}

// compactJSON strips insignificant whitespace from already-valid JSON.
func compactJSON(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	var b bytes.Buffer
	if err := json.Compact(&b, raw); err != nil {
		return raw
	}
	return json.RawMessage(b.Bytes())
}

func jsonArrayLen(raw json.RawMessage) (int, bool) {
	var arr []json.RawMessage
	if len(raw) == 0 || json.Unmarshal(raw, &arr) != nil || arr == nil {
		return 0, false
	}
	return len(arr), true
}
