// Package httpapi exposes the custody ledger over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"custodyledger/internal/core"
	"custodyledger/internal/report"
	"custodyledger/pkg/domain"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const maxBodyBytes = 1 << 20

// Ledger is the subset of *core.Ledger served over HTTP.
type Ledger interface {
	CreateMaterial(ctx context.Context, req core.CreateMaterialRequest) (core.MaterialResult, error)
	GetMaterial(ctx context.Context, materialID string) (domain.Material, error)
	ListMaterials(ctx context.Context) ([]domain.Material, error)
	RecordTransfer(ctx context.Context, req core.RecordTransferRequest) (core.TransferResult, error)
	ListTransfers(ctx context.Context, materialID string) ([]domain.Transfer, error)
	GetStatus(ctx context.Context, materialID string) (domain.Status, error)
	Quarantine(ctx context.Context, materialID string) (domain.Material, error)
	Reconcile(ctx context.Context, materialID string) (core.ReconcileReport, error)
	RegisterSigner(ctx context.Context, signer domain.Signer) (domain.Signer, error)
	ListSigners(ctx context.Context) ([]domain.Signer, error)
}

// Handler serves the /api routes.
type Handler struct {
	ledger   Ledger
	exporter *report.Exporter
	logger   *slog.Logger
	router   chi.Router
}

// NewHandler builds the router. exporter may be nil, which disables the
// export routes.
func NewHandler(ledger Ledger, exporter *report.Exporter, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	h := &Handler{ledger: ledger, exporter: exporter, logger: logger}
	r := chi.NewRouter()
	r.Use(requestID, h.accessLog, middleware.Recoverer)
	r.Route("/api", func(api chi.Router) {
		api.Route("/materials", func(mr chi.Router) {
			mr.Post("/", h.createMaterial)
			mr.Get("/", h.listMaterials)
			mr.Route("/{id}", func(one chi.Router) {
				one.Get("/", h.getMaterial)
				one.Post("/transfers", h.recordTransfer)
				one.Get("/transfers", h.listTransfers)
				one.Get("/status", h.getStatus)
				one.Post("/quarantine", h.quarantine)
				one.Post("/reconcile", h.reconcile)
				one.Get("/export/{format}", h.export)
			})
		})
		api.Get("/signers", h.listSigners)
		api.Post("/signers", h.registerSigner)
	})
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "route not found", Kind: string(domain.KindNotFound)})
	})
	h.router = r
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

// materialBody is the created material with the anchor outcome alongside its
// fields.
type materialBody struct {
	domain.Material
	Anchor core.AnchorOutcome `json:"anchor"`
}

// transferBody is the committed transfer plus the updated material and the
// anchor outcome.
type transferBody struct {
	domain.Transfer
	Material domain.Material    `json:"material"`
	Anchor   core.AnchorOutcome `json:"anchor"`
}

func (h *Handler) createMaterial(w http.ResponseWriter, r *http.Request) {
	var req core.CreateMaterialRequest
	if !h.decode(w, r, &req, "") {
		return
	}
	res, err := h.ledger.CreateMaterial(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, materialBody{Material: res.Material, Anchor: res.Anchor})
}

func (h *Handler) listMaterials(w http.ResponseWriter, r *http.Request) {
	materials, err := h.ledger.ListMaterials(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, materials)
}

func (h *Handler) getMaterial(w http.ResponseWriter, r *http.Request) {
	m, err := h.ledger.GetMaterial(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *Handler) recordTransfer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req core.RecordTransferRequest
	if !h.decode(w, r, &req, id) {
		return
	}
	req.MaterialID = id
	res, err := h.ledger.RecordTransfer(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, transferBody{Transfer: res.Transfer, Material: res.Material, Anchor: res.Anchor})
}

func (h *Handler) listTransfers(w http.ResponseWriter, r *http.Request) {
	transfers, err := h.ledger.ListTransfers(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, transfers)
}

type statusBody struct {
	MaterialID string        `json:"materialId"`
	Status     domain.Status `json:"status"`
}

func (h *Handler) getStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	status, err := h.ledger.GetStatus(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusBody{MaterialID: id, Status: status})
}

func (h *Handler) quarantine(w http.ResponseWriter, r *http.Request) {
	m, err := h.ledger.Quarantine(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusBody{MaterialID: m.MaterialID, Status: m.Status})
}

func (h *Handler) reconcile(w http.ResponseWriter, r *http.Request) {
	rep, err := h.ledger.Reconcile(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (h *Handler) listSigners(w http.ResponseWriter, r *http.Request) {
	signers, err := h.ledger.ListSigners(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, signers)
}

func (h *Handler) registerSigner(w http.ResponseWriter, r *http.Request) {
	var signer domain.Signer
	if !h.decode(w, r, &signer, "") {
		return
	}
	created, err := h.ledger.RegisterSigner(r.Context(), signer)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *Handler) export(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if h.exporter == nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "exports not configured", Kind: string(domain.KindNotFound), ID: id})
		return
	}
	format, err := report.ParseFormat(chi.URLParam(r, "format"))
	if err != nil {
		h.writeError(w, r, domain.InvalidRequest(domain.EntityMaterial, id, "%v", err))
		return
	}
	if link, _ := strconv.ParseBool(r.URL.Query().Get("link")); link {
		url, art, err := h.exporter.Link(r.Context(), id, format)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"url": url, "key": art.Key, "sequence": art.Sequence})
		return
	}
	art, err := h.exporter.Export(r.Context(), id, format)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", art.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", art.Filename))
	w.Header().Set("X-Custody-Sequence", strconv.FormatInt(art.Sequence, 10))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(art.Body)
}

// decode reads a JSON body into dst. An empty body leaves dst zero.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any, id string) bool {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(dst)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	h.writeError(w, r, domain.InvalidRequest(domain.EntityMaterial, id, "decode body: %v", err))
	return false
}

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
	ID    string `json:"id,omitempty"`
}

func statusFor(kind domain.ErrorKind) int {
	switch kind {
	case domain.KindNotFound, domain.KindEmptyHistory:
		return http.StatusNotFound
	case domain.KindDuplicateKey, domain.KindConflict:
		return http.StatusConflict
	case domain.KindInvalidRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	body := errorBody{Error: err.Error(), Kind: "Internal"}
	status := http.StatusInternalServerError
	var de *domain.Error
	if errors.As(err, &de) {
		body.Kind, body.ID = string(de.Kind), de.ID
		status = statusFor(de.Kind)
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "request_id", RequestIDFrom(r.Context()), "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
