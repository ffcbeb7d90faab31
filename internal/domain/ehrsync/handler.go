package ehrsync

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/clinicops/ehrsync/internal/ehr"
	"github.com/clinicops/ehrsync/internal/ehr/csvadapter"
	"github.com/clinicops/ehrsync/internal/ehr/factory"
	"github.com/clinicops/ehrsync/internal/ehr/mapper"
	"github.com/clinicops/ehrsync/internal/platform/auth"
	"github.com/clinicops/ehrsync/internal/platform/db"
	"github.com/clinicops/ehrsync/pkg/pagination"
)

// AdapterResolver returns the adapter configured for a tenant.
type AdapterResolver interface {
	ForTenant(ctx context.Context, tenantID string) (ehr.Adapter, error)
	CSV(tenantID string) *csvadapter.Adapter
}

// SettingsManager reads and writes a tenant's EHR settings.
type SettingsManager interface {
	Settings(ctx context.Context, tenantID string) (map[string]string, error)
	Configure(ctx context.Context, tenantID string, values map[string]string) error
}

type Handler struct {
	svc      *Service
	adapters AdapterResolver
	settings SettingsManager
}

func NewHandler(svc *Service, adapters AdapterResolver) *Handler {
	return &Handler{svc: svc, adapters: adapters}
}

// WithSettings enables the admin-only settings routes.
func (h *Handler) WithSettings(s SettingsManager) *Handler {
	h.settings = s
	return h
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/ehr")

	read := g.Group("", auth.RequireRole("admin", "staff", "viewer"))
	read.GET("/connection", h.TestConnection)
	read.GET("/patients/search", h.SearchPatients)
	read.GET("/logs", h.ListLogs)
	read.GET("/mappings", h.ListMappings)
	read.GET("/csv/patients", h.ExportPatientsCSV)
	read.GET("/csv/kartes", h.ExportKartesCSV)

	write := g.Group("", auth.RequireRole("admin", "staff"))
	write.POST("/patients/pull", h.PullPatient)
	write.POST("/patients/:id/push", h.PushPatient)
	write.POST("/patients/:id/kartes/push", h.PushKarte)
	write.POST("/patients/:id/kartes/pull", h.PullKarte)
	write.POST("/batch", h.SyncBatch)
	write.POST("/csv/patients", h.ImportPatientsCSV)
	write.POST("/csv/kartes", h.ImportKartesCSV)

	if h.settings != nil {
		admin := g.Group("/settings", auth.RequireRole(auth.RoleAdmin))
		admin.GET("", h.GetSettings)
		admin.PUT("", h.UpdateSettings)
	}
}

func (h *Handler) adapter(c echo.Context) (ehr.Adapter, string, error) {
	tenantID := db.TenantFromEcho(c)
	a, err := h.adapters.ForTenant(c.Request().Context(), tenantID)
	switch {
	case errors.Is(err, ehr.ErrSyncDisabled):
		return nil, "", echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ehr.ErrUnknownProvider):
		return nil, "", echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case err != nil:
		return nil, "", echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return a, tenantID, nil
}

func (h *Handler) TestConnection(c echo.Context) error {
	a, tenantID, err := h.adapter(c)
	if err != nil {
		return err
	}
	res := h.svc.TestConnection(c.Request().Context(), tenantID, a)
	return c.JSON(http.StatusOK, map[string]interface{}{
		"provider": a.Provider(),
		"ok":       res.OK,
		"message":  res.Message,
	})
}

func (h *Handler) SearchPatients(c echo.Context) error {
	q := ehr.SearchQuery{
		Name:     c.QueryParam("name"),
		Tel:      c.QueryParam("tel"),
		Birthday: c.QueryParam("birthday"),
	}
	a, tenantID, err := h.adapter(c)
	if err != nil {
		return err
	}
	matches, err := h.svc.SearchPatients(c.Request().Context(), tenantID, q, a)
	if errors.Is(err, ErrEmptySearch) {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"provider": a.Provider(),
		"total":    len(matches),
		"data":     matches,
	})
}

func (h *Handler) PushPatient(c echo.Context) error {
	a, tenantID, err := h.adapter(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, h.svc.PushPatient(c.Request().Context(), tenantID, c.Param("id"), a))
}

type pullPatientRequest struct {
	ExternalID string `json:"external_id"`
}

func (h *Handler) PullPatient(c echo.Context) error {
	var req pullPatientRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.ExternalID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "external_id is required")
	}
	a, tenantID, err := h.adapter(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, h.svc.PullPatient(c.Request().Context(), tenantID, req.ExternalID, a))
}

func (h *Handler) PushKarte(c echo.Context) error {
	a, tenantID, err := h.adapter(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, h.svc.PushKarte(c.Request().Context(), tenantID, c.Param("id"), a))
}

func (h *Handler) PullKarte(c echo.Context) error {
	a, tenantID, err := h.adapter(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, h.svc.PullKarte(c.Request().Context(), tenantID, c.Param("id"), a))
}

type batchRequest struct {
	PatientIDs []string  `json:"patient_ids"`
	Direction  Direction `json:"direction"`
}

type batchResponse struct {
	Results []SyncResult `json:"results"`
	Summary BatchSummary `json:"summary"`
}

func (h *Handler) SyncBatch(c echo.Context) error {
	var req batchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if !req.Direction.Valid() {
		return echo.NewHTTPError(http.StatusBadRequest, "direction must be push or pull")
	}
	if len(req.PatientIDs) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "patient_ids is required")
	}
	a, tenantID, err := h.adapter(c)
	if err != nil {
		return err
	}
	results := h.svc.SyncBatch(c.Request().Context(), tenantID, req.PatientIDs, req.Direction, a)
	return c.JSON(http.StatusOK, batchResponse{Results: results, Summary: Summarize(results)})
}

func (h *Handler) ListLogs(c echo.Context) error {
	pg := pagination.FromContext(c)
	f := LogFilter{
		TenantID:  db.TenantFromEcho(c),
		Provider:  ehr.Provider(c.QueryParam("provider")),
		Status:    Status(c.QueryParam("status")),
		PatientID: c.QueryParam("patient_id"),
		Limit:     pg.Limit,
		Offset:    pg.Offset,
	}
	items, total, err := h.svc.GetSyncLogs(c.Request().Context(), f)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}

func (h *Handler) ListMappings(c echo.Context) error {
	pg := pagination.FromContext(c)
	tenantID := db.TenantFromEcho(c)
	provider := ehr.Provider(c.QueryParam("provider"))

	if patientID := c.QueryParam("patient_id"); patientID != "" {
		if provider == "" {
			return echo.NewHTTPError(http.StatusBadRequest, "provider is required with patient_id")
		}
		m, err := h.svc.GetMapping(c.Request().Context(), tenantID, provider, patientID)
		if errors.Is(err, ErrMappingNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "mapping not found")
		}
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		return c.JSON(http.StatusOK, m)
	}

	items, total, err := h.svc.ListMappings(c.Request().Context(), tenantID, provider, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}

// -- Settings --

func (h *Handler) GetSettings(c echo.Context) error {
	s, err := h.settings.Settings(c.Request().Context(), db.TenantFromEcho(c))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, s)
}

func (h *Handler) UpdateSettings(c echo.Context) error {
	var values map[string]string
	if err := c.Bind(&values); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if len(values) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "no settings given")
	}
	tenantID := db.TenantFromEcho(c)
	if err := h.settings.Configure(c.Request().Context(), tenantID, values); err != nil {
		if errors.Is(err, factory.ErrInvalidSetting) {
			return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return h.GetSettings(c)
}

// -- CSV import/export --

// maxCSVBytes bounds uploaded CSV bodies.
const maxCSVBytes = 32 << 20

func readCSVBody(c echo.Context) (string, error) {
	b, err := io.ReadAll(io.LimitReader(c.Request().Body, maxCSVBytes+1))
	if err != nil {
		return "", echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if len(b) > maxCSVBytes {
		return "", echo.NewHTTPError(http.StatusRequestEntityTooLarge, "csv body too large")
	}
	return mapper.DecodeCSV(b), nil
}

func (h *Handler) ImportPatientsCSV(c echo.Context) error {
	text, err := readCSVBody(c)
	if err != nil {
		return err
	}
	n := h.adapters.CSV(db.TenantFromEcho(c)).LoadPatientsCSV(text)
	return c.JSON(http.StatusOK, map[string]int{"loaded": n})
}

func (h *Handler) ImportKartesCSV(c echo.Context) error {
	text, err := readCSVBody(c)
	if err != nil {
		return err
	}
	n := h.adapters.CSV(db.TenantFromEcho(c)).LoadKartesCSV(text)
	return c.JSON(http.StatusOK, map[string]int{"loaded": n})
}

func (h *Handler) ExportPatientsCSV(c echo.Context) error {
	return sendCSV(c, "patients", h.adapters.CSV(db.TenantFromEcho(c)).ExportPatientsCSV())
}

func (h *Handler) ExportKartesCSV(c echo.Context) error {
	return sendCSV(c, "kartes", h.adapters.CSV(db.TenantFromEcho(c)).ExportKartesCSV())
}

func sendCSV(c echo.Context, name, body string) error {
	filename := name + "_" + time.Now().Format("20060102") + ".csv"
	c.Response().Header().Set(echo.HeaderContentDisposition, `attachment; filename="`+filename+`"`)
	return c.Blob(http.StatusOK, "text/csv; charset=utf-8", []byte(body))
}
