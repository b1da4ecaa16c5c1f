package admission

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/admission/internal/domain/complement"
	"github.com/ehr/admission/internal/platform/auth"
	"github.com/ehr/admission/pkg/pagination"
)

// HeaderAdmissionFailures carries the number of patients a matching pass
// could not process.
const HeaderAdmissionFailures = "X-Admission-Failures"

type Handler struct {
	patients  *PatientService
	hospitals *HospitalService
	matcher   *Matcher
	logger    zerolog.Logger
}

func NewHandler(patients *PatientService, hospitals *HospitalService, matcher *Matcher, logger zerolog.Logger) *Handler {
	return &Handler{patients: patients, hospitals: hospitals, matcher: matcher, logger: logger}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read endpoints – readers, registrars and peer services
	readGroup := api.Group("", auth.RequireRole(auth.RoleReader, auth.RoleRegistrar, auth.RoleService))
	readGroup.GET("/hospital-names", h.GetHospitalNames)
	readGroup.GET("/hospitals", h.GetHospitals)
	readGroup.GET("/hospitals/:name", h.GetHospital)
	readGroup.GET("/waitlist", h.GetWaitlist)
	readGroup.GET("/patients", h.ListPatients)
	readGroup.GET("/patients/:id", h.GetPatient)

	// Waitlist intake – registrars
	intakeGroup := api.Group("", auth.RequireRole(auth.RoleRegistrar))
	intakeGroup.POST("/waitlist", h.AddToWaitlist)

	// Admission changes – admin only
	adminGroup := api.Group("", auth.RequireRole(auth.RoleAdmin))
	adminGroup.POST("/hospitals/admit-from-waitlist", h.AdmitFromWaitlist)
	adminGroup.DELETE("/hospitals/:name/:patient_id", h.RemovePatient)
}

// -- Hospitals --

func (h *Handler) GetHospitalNames(c echo.Context) error {
	names, err := h.hospitals.HospitalNames(c.Request().Context())
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, HospitalNames{HospitalNames: names})
}

func (h *Handler) GetHospitals(c echo.Context) error {
	hospitals, err := h.hospitals.GetAllHospitals(c.Request().Context())
	if err != nil {
		return h.httpError(c, err)
	}
	if hospitals == nil {
		hospitals = []Hospital{}
	}
	return c.JSON(http.StatusOK, hospitals)
}

func (h *Handler) GetHospital(c echo.Context) error {
	hospital, err := h.hospitals.GetHospital(c.Request().Context(), c.Param("name"))
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, hospital)
}

func (h *Handler) RemovePatient(c echo.Context) error {
	patientID, err := uuid.Parse(c.Param("patient_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
	}
	if _, err := h.hospitals.UnadmitPatient(c.Request().Context(), c.Param("name"), patientID); err != nil {
		return h.httpError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// AdmitFromWaitlist runs one matching pass. The response lists the newly
// admitted patients; ?detail=true returns the full per-patient report.
func (h *Handler) AdmitFromWaitlist(c echo.Context) error {
	report, err := h.matcher.AdmitPatientsFromWaitlist(c.Request().Context())
	if err != nil {
		return h.httpError(c, err)
	}
	c.Response().Header().Set(HeaderAdmissionFailures, strconv.Itoa(report.Count(OutcomeFailed)))

	if detail, _ := strconv.ParseBool(c.QueryParam("detail")); detail {
		return c.JSON(http.StatusOK, report)
	}
	return c.JSON(http.StatusOK, report.Admitted())
}

// -- Patients --

func (h *Handler) GetWaitlist(c echo.Context) error {
	patients, err := h.patients.GetWaitlist(c.Request().Context())
	if err != nil {
		return h.httpError(c, err)
	}
	if patients == nil {
		patients = []Patient{}
	}
	return c.JSON(http.StatusOK, patients)
}

func (h *Handler) AddToWaitlist(c echo.Context) error {
	var p Patient
	if err := c.Bind(&p); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	stored, err := h.patients.AddPatientToWaitlist(c.Request().Context(), p)
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusCreated, stored)
}

func (h *Handler) ListPatients(c echo.Context) error {
	pg, err := pagination.FromContext(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	patients, total, err := h.patients.ListPatients(c.Request().Context(), pg)
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(patients, total, pg, c.Request().URL))
}

func (h *Handler) GetPatient(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	p, err := h.patients.GetPatient(c.Request().Context(), id)
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, p)
}

// httpError maps domain errors onto HTTP statuses. Unexpected errors are
// logged and reported without detail.
func (h *Handler) httpError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, ErrInvalidHospitalName):
		return echo.NewHTTPError(http.StatusNotFound, fmt.Sprintf("Invalid hospital name: %s", c.Param("name")))
	case errors.Is(err, ErrPatientNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "patient not found")
	case errors.Is(err, ErrPatientExists):
		return echo.NewHTTPError(http.StatusBadRequest, "patient already exists")
	case errors.Is(err, ErrHospitalExcluded):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrInvalidPatient), errors.Is(err, ErrUnsupportedOperation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, complement.ErrComplementUnavailable):
		return echo.NewHTTPError(http.StatusBadGateway, "complement service unavailable")
	}
	h.logger.Error().Err(err).Str("path", c.Path()).Msg("request failed")
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}
