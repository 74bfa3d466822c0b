package charting

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/medspa/chartkeeper/internal/platform/apperr"
	"github.com/medspa/chartkeeper/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/encounters", h.StartEncounter)

	api.GET("/charts/:id", h.GetChart)
	api.PATCH("/charts/:id", h.UpdateChart)
	api.POST("/charts/:id/media", h.UploadMedia)
	api.POST("/charts/:id/ai-draft", h.ApplyAiDraft)
	api.POST("/charts/:id/sign", h.ProviderSign)
	api.POST("/charts/:id/cosign", h.CoSign)
	api.GET("/charts/:id/integrity", h.VerifyRecordHash)

	api.PATCH("/treatment-cards/:id", h.UpdateTreatmentCard)
	api.PATCH("/photos/:id/annotation", h.UpdatePhotoAnnotation)
}

// actorAndID resolves the caller and the :id path parameter.
func actorAndID(c echo.Context) (auth.Actor, uuid.UUID, error) {
	actor, ok := auth.ActorFromContext(c.Request().Context())
	if !ok {
		return auth.Actor{}, uuid.Nil, echo.NewHTTPError(http.StatusUnauthorized, "Authentication required")
	}
	if c.Param("id") == "" {
		return actor, uuid.Nil, nil
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return actor, uuid.Nil, apperr.InvalidInput("Invalid id")
	}
	return actor, id, nil
}

// bind decodes and validates the request body into dst.
func bind(c echo.Context, dst interface{}) error {
	if err := c.Bind(dst); err != nil {
		return apperr.InvalidInput("Invalid request body")
	}
	if c.Echo().Validator != nil {
		if err := c.Validate(dst); err != nil {
			return err
		}
	}
	return nil
}

// fail renders err unless it is an echo.HTTPError, which is left to the
// server's error handler.
func fail(c echo.Context, err error) error {
	if _, ok := err.(*echo.HTTPError); ok {
		return err
	}
	return apperr.Respond(c, 0, nil, err)
}

func (h *Handler) StartEncounter(c echo.Context) error {
	actor, _, err := actorAndID(c)
	if err != nil {
		return fail(c, err)
	}
	var in StartEncounterInput
	if err := bind(c, &in); err != nil {
		return fail(c, err)
	}
	view, err := h.svc.StartEncounter(c.Request().Context(), actor, in)
	return apperr.Respond(c, http.StatusCreated, view, err)
}

func (h *Handler) GetChart(c echo.Context) error {
	actor, id, err := actorAndID(c)
	if err != nil {
		return fail(c, err)
	}
	view, err := h.svc.GetChart(c.Request().Context(), actor, id)
	return apperr.Respond(c, http.StatusOK, view, err)
}

func (h *Handler) UpdateChart(c echo.Context) error {
	actor, id, err := actorAndID(c)
	if err != nil {
		return fail(c, err)
	}
	var patch ChartPatch
	if err := bind(c, &patch); err != nil {
		return fail(c, err)
	}
	view, err := h.svc.UpdateChart(c.Request().Context(), actor, id, patch)
	return apperr.Respond(c, http.StatusOK, view, err)
}

func (h *Handler) UpdateTreatmentCard(c echo.Context) error {
	actor, id, err := actorAndID(c)
	if err != nil {
		return fail(c, err)
	}
	var patch CardPatch
	if err := bind(c, &patch); err != nil {
		return fail(c, err)
	}
	result, err := h.svc.UpdateTreatmentCard(c.Request().Context(), actor, id, patch)
	return apperr.Respond(c, http.StatusOK, result, err)
}

func (h *Handler) UploadMedia(c echo.Context) error {
	actor, id, err := actorAndID(c)
	if err != nil {
		return fail(c, err)
	}
	fh, err := c.FormFile("file")
	if err != nil {
		return fail(c, apperr.InvalidInput("Multipart field \"file\" is required"))
	}
	f, err := fh.Open()
	if err != nil {
		return fail(c, apperr.InvalidInput("Unreadable upload"))
	}
	defer f.Close()

	photo, err := h.svc.UploadMedia(c.Request().Context(), actor, id, MediaUpload{
		FileName:    fh.Filename,
		ContentType: fh.Header.Get(echo.HeaderContentType),
		Body:        f,
	})
	return apperr.Respond(c, http.StatusCreated, photo, err)
}

func (h *Handler) ApplyAiDraft(c echo.Context) error {
	actor, id, err := actorAndID(c)
	if err != nil {
		return fail(c, err)
	}
	var draft AiDraft
	if err := bind(c, &draft); err != nil {
		return fail(c, err)
	}
	view, err := h.svc.ApplyAiDraft(c.Request().Context(), actor, id, draft)
	return apperr.Respond(c, http.StatusOK, view, err)
}

type annotationRequest struct {
	Annotations json.RawMessage `json:"annotations"`
}

func (h *Handler) UpdatePhotoAnnotation(c echo.Context) error {
	actor, id, err := actorAndID(c)
	if err != nil {
		return fail(c, err)
	}
	var req annotationRequest
	if err := bind(c, &req); err != nil {
		return fail(c, err)
	}
	photo, err := h.svc.UpdatePhotoAnnotation(c.Request().Context(), actor, id, req.Annotations)
	return apperr.Respond(c, http.StatusOK, photo, err)
}

func (h *Handler) ProviderSign(c echo.Context) error {
	actor, id, err := actorAndID(c)
	if err != nil {
		return fail(c, err)
	}
	view, err := h.svc.ProviderSign(c.Request().Context(), actor, id)
	return apperr.Respond(c, http.StatusOK, view, err)
}

func (h *Handler) CoSign(c echo.Context) error {
	actor, id, err := actorAndID(c)
	if err != nil {
		return fail(c, err)
	}
	view, err := h.svc.CoSign(c.Request().Context(), actor, id)
	return apperr.Respond(c, http.StatusOK, view, err)
}

func (h *Handler) VerifyRecordHash(c echo.Context) error {
	actor, id, err := actorAndID(c)
	if err != nil {
		return fail(c, err)
	}
	report, err := h.svc.VerifyRecordHash(c.Request().Context(), actor, id)
	return apperr.Respond(c, http.StatusOK, report, err)
}
