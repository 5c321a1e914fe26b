package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/agentmesh-io/agentmesh/internal/agents"
)

type agentHandler struct {
	store    *agents.Store
	validate *validator.Validate
	logger   *zap.Logger
}

func newAgentHandler(cfg RouterConfig) *agentHandler {
	return &agentHandler{
		store:    cfg.Store,
		validate: validator.New(),
		logger:   cfg.Logger.Named("api"),
	}
}

type agentRequest struct {
	ID           string        `json:"id" validate:"required,min=2,max=64"`
	Name         string        `json:"name" validate:"required,min=2,max=128"`
	Description  string        `json:"description" validate:"max=1024"`
	SystemPrompt string        `json:"systemPrompt" validate:"max=8192"`
	Tools        []agents.Tool `json:"tools"`
	Keywords     []string      `json:"keywords"`
	Wallet       string        `json:"wallet"`
	Script       string        `json:"script"`
}

func (req *agentRequest) definition() *agents.Definition {
	return &agents.Definition{
		ID:           req.ID,
		Name:         req.Name,
		Description:  req.Description,
		SystemPrompt: req.SystemPrompt,
		Tools:        req.Tools,
		Keywords:     req.Keywords,
		Wallet:       req.Wallet,
		Script:       req.Script,
	}
}

// List returns the full catalogue: stock and custom agents.
func (h *agentHandler) List(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]any{"agents": h.store.List()})
}

// Get returns one agent definition.
func (h *agentHandler) Get(w http.ResponseWriter, r *http.Request) {
	def, ok := h.store.Get(chi.URLParam(r, "id"))
	if !ok {
		ErrJSON(w, http.StatusNotFound, "agent not found")
		return
	}
	JSON(w, http.StatusOK, def)
}

// Create registers a custom agent.
func (h *agentHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req agentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.validate.Struct(req); err != nil {
		ErrJSON(w, http.StatusBadRequest, "id and name are required")
		return
	}

	if err := h.store.Create(req.definition()); err != nil {
		h.writeStoreError(w, err)
		return
	}
	def, _ := h.store.Get(req.ID)
	JSON(w, http.StatusCreated, def)
}

// Update replaces a custom agent's definition. Stock agents are immutable.
func (h *agentHandler) Update(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req agentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.ID = id
	if err := h.validate.Struct(req); err != nil {
		ErrJSON(w, http.StatusBadRequest, "name is required")
		return
	}

	def, err := h.store.Update(id, req.definition())
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	JSON(w, http.StatusOK, def)
}

// Delete removes a custom agent. Stock agents are immutable.
func (h *agentHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Delete(chi.URLParam(r, "id")); err != nil {
		h.writeStoreError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (h *agentHandler) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, agents.ErrNotFound):
		ErrJSON(w, http.StatusNotFound, "agent not found")
	case errors.Is(err, agents.ErrExists):
		ErrJSON(w, http.StatusConflict, "agent id already exists")
	case errors.Is(err, agents.ErrImmutable):
		ErrJSON(w, http.StatusBadRequest, "stock agents cannot be modified")
	default:
		ErrJSON(w, http.StatusBadRequest, err.Error())
	}
}
