package hrest

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"tariff-service/internal/domain"
	"tariff-service/internal/usecase"
	"tariff-service/pkg/response"
	xerrors "tariff-service/pkg/xerrors"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cast"
)

type TariffRestHandler struct {
	tariffUC  *usecase.TariffUsecase
	pricingUC *usecase.PricingUsecase
}

func NewTariffRestHandler(
	tariffUC *usecase.TariffUsecase,
	pricingUC *usecase.PricingUsecase,
) *TariffRestHandler {
	return &TariffRestHandler{
		tariffUC:  tariffUC,
		pricingUC: pricingUC,
	}
}

type DeactivateJSON struct {
	Reason string `json:"reason"`
}

type ResolveJSON struct {
	TariffType    string     `json:"tariff_type"`
	ClientID      *string    `json:"client_id,omitempty"`
	ContainerType *string    `json:"container_type,omitempty"`
	ServiceDate   *time.Time `json:"service_date,omitempty"`
}

type SweepJSON struct {
	ExpiredCount int `json:"expired_count"`
}

func (h *TariffRestHandler) CreateTariff(w http.ResponseWriter, r *http.Request) {
	var in domain.TariffCreate
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		response.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	tariff, err := h.tariffUC.Create(r.Context(), &in, actorFrom(r))
	if err != nil {
		writeError(w, err)
		return
	}
	response.JSON(w, http.StatusCreated, tariff)
}

func (h *TariffRestHandler) GetTariff(w http.ResponseWriter, r *http.Request) {
	id, err := tariffID(r)
	if err != nil {
		response.Error(w, http.StatusBadRequest, "invalid tariff id")
		return
	}
	tariff, err := h.tariffUC.GetByID(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	response.JSON(w, http.StatusOK, tariff)
}

func (h *TariffRestHandler) GetTariffByCode(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	tariff, err := h.tariffUC.GetByCode(r.Context(), code)
	if err != nil {
		writeError(w, err)
		return
	}
	response.JSON(w, http.StatusOK, tariff)
}

func (h *TariffRestHandler) SearchTariffs(w http.ResponseWriter, r *http.Request) {
	filter := filterFromQuery(r)
	tariffs, err := h.tariffUC.Search(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	response.JSON(w, http.StatusOK, tariffs)
}

func (h *TariffRestHandler) UpdateTariff(w http.ResponseWriter, r *http.Request) {
	id, err := tariffID(r)
	if err != nil {
		response.Error(w, http.StatusBadRequest, "invalid tariff id")
		return
	}
	var patch domain.TariffUpdate
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		response.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	tariff, err := h.tariffUC.Update(r.Context(), id, &patch, actorFrom(r))
	if err != nil {
		writeError(w, err)
		return
	}
	response.JSON(w, http.StatusOK, tariff)
}

func (h *TariffRestHandler) ActivateTariff(w http.ResponseWriter, r *http.Request) {
	id, err := tariffID(r)
	if err != nil {
		response.Error(w, http.StatusBadRequest, "invalid tariff id")
		return
	}
	tariff, err := h.tariffUC.Activate(r.Context(), id, actorFrom(r))
	if err != nil {
		writeError(w, err)
		return
	}
	response.JSON(w, http.StatusOK, tariff)
}

func (h *TariffRestHandler) DeactivateTariff(w http.ResponseWriter, r *http.Request) {
	id, err := tariffID(r)
	if err != nil {
		response.Error(w, http.StatusBadRequest, "invalid tariff id")
		return
	}
	var in DeactivateJSON
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		response.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	tariff, err := h.tariffUC.Deactivate(r.Context(), id, in.Reason, actorFrom(r))
	if err != nil {
		writeError(w, err)
		return
	}
	response.JSON(w, http.StatusOK, tariff)
}

func (h *TariffRestHandler) DeleteTariff(w http.ResponseWriter, r *http.Request) {
	id, err := tariffID(r)
	if err != nil {
		response.Error(w, http.StatusBadRequest, "invalid tariff id")
		return
	}
	if err := h.tariffUC.Delete(r.Context(), id, actorFrom(r)); err != nil {
		writeError(w, err)
		return
	}
	response.JSON(w, http.StatusOK, map[string]interface{}{"deleted": id})
}

func (h *TariffRestHandler) ListVersions(w http.ResponseWriter, r *http.Request) {
	id, err := tariffID(r)
	if err != nil {
		response.Error(w, http.StatusBadRequest, "invalid tariff id")
		return
	}
	versions, err := h.tariffUC.ListVersions(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	response.JSON(w, http.StatusOK, versions)
}

func (h *TariffRestHandler) ResolveTariff(w http.ResponseWriter, r *http.Request) {
	var in ResolveJSON
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		response.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	tariff, err := h.pricingUC.ResolveApplicableTariff(r.Context(),
		domain.TariffType(in.TariffType), in.ClientID, in.ContainerType, in.ServiceDate)
	if err != nil {
		writeError(w, err)
		return
	}
	if tariff == nil {
		response.Error(w, http.StatusNotFound, "no applicable tariff")
		return
	}
	response.JSON(w, http.StatusOK, tariff)
}

func (h *TariffRestHandler) PriceTariff(w http.ResponseWriter, r *http.Request) {
	id, err := tariffID(r)
	if err != nil {
		response.Error(w, http.StatusBadRequest, "invalid tariff id")
		return
	}
	var req domain.PriceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	breakdown, err := h.pricingUC.CalculatePrice(r.Context(), id, &req)
	if err != nil {
		writeError(w, err)
		return
	}
	response.JSON(w, http.StatusOK, breakdown)
}

func (h *TariffRestHandler) SweepExpired(w http.ResponseWriter, r *http.Request) {
	count, err := h.tariffUC.SweepExpired(r.Context(), actorFrom(r))
	if err != nil {
		writeError(w, err)
		return
	}
	response.JSON(w, http.StatusOK, SweepJSON{ExpiredCount: count})
}

func (h *TariffRestHandler) registerRoutes(r chi.Router) {
	r.Route("/tariffs", func(r chi.Router) {
		r.Post("/", h.CreateTariff)
		r.Get("/", h.SearchTariffs)
		r.Post("/resolve", h.ResolveTariff)
		r.Post("/sweep-expired", h.SweepExpired)
		r.Get("/code/{code}", h.GetTariffByCode)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.GetTariff)
			r.Patch("/", h.UpdateTariff)
			r.Delete("/", h.DeleteTariff)
			r.Post("/activate", h.ActivateTariff)
			r.Post("/deactivate", h.DeactivateTariff)
			r.Post("/price", h.PriceTariff)
			r.Get("/versions", h.ListVersions)
		})
	})
}

func (h *TariffRestHandler) Start(port string) {
	r := chi.NewRouter()

	// Middlewares
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// Register routes
	h.registerRoutes(r)

	server := &http.Server{
		Addr:    port,
		Handler: r,
	}

	log.Printf("🚀 Tariff REST service running on %s", port)

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("failed to start server: %v", err)
	}
}

func tariffID(r *http.Request) (int64, error) {
	return cast.ToInt64E(chi.URLParam(r, "id"))
}

func actorFrom(r *http.Request) string {
	return r.Header.Get("X-User-ID")
}

func filterFromQuery(r *http.Request) *domain.TariffFilter {
	q := r.URL.Query()
	filter := &domain.TariffFilter{
		Limit:  cast.ToInt(q.Get("limit")),
		Offset: cast.ToInt(q.Get("offset")),
	}
	if v := q.Get("tariff_type"); v != "" {
		t := domain.TariffType(v)
		filter.TariffType = &t
	}
	if v := q.Get("status"); v != "" {
		s := domain.TariffStatus(v)
		filter.Status = &s
	}
	if v := q.Get("pricing_model"); v != "" {
		m := domain.PricingModel(v)
		filter.PricingModel = &m
	}
	if v := q.Get("client_id"); v != "" {
		filter.ClientID = &v
	}
	if v := q.Get("currency"); v != "" {
		filter.Currency = &v
	}
	if v := q.Get("active_at"); v != "" {
		if at, err := time.Parse(time.RFC3339, v); err == nil {
			filter.ActiveAt = &at
		}
	}
	if v := q.Get("expiring_within_days"); v != "" {
		days := cast.ToInt(v)
		filter.ExpiringWithinDays = &days
	}
	if v := q.Get("q"); v != "" {
		filter.Query = &v
	}
	return filter
}

// writeError maps engine errors onto HTTP statuses: unknown resources to 404,
// rejected input to 400, lifecycle and overlap violations to 409.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, xerrors.ErrNotFound):
		response.Error(w, http.StatusNotFound, err.Error())
	case errors.Is(err, xerrors.ErrInvalidState):
		response.Error(w, http.StatusConflict, err.Error())
	case isInputError(err):
		response.Error(w, http.StatusBadRequest, err.Error())
	default:
		response.Error(w, http.StatusInternalServerError, "internal server error")
	}
}

func isInputError(err error) bool {
	for _, target := range []error{
		xerrors.ErrInvalidInput,
		xerrors.ErrTariffTypeRequired,
		xerrors.ErrUnknownTariffType,
		xerrors.ErrUnknownPricingModel,
		xerrors.ErrEffectiveDateRequired,
		xerrors.ErrExpiryBeforeEffective,
		xerrors.ErrQuantityNotPositive,
		xerrors.ErrActorRequired,
		xerrors.ErrReasonRequired,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
