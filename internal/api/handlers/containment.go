package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/halcyonlab/persistguard/internal/api/utils"
	"github.com/halcyonlab/persistguard/internal/containment"
	"github.com/halcyonlab/persistguard/internal/integrity"
	"github.com/halcyonlab/persistguard/internal/models"
)

// Container is the containment engine surface the API drives
type Container interface {
	States() []models.ContainmentState
	State(identifier string) (models.ContainmentState, bool)
	Contain(item *models.PersistenceItem, timeout time.Duration) (*containment.Result, error)
	ReleaseByIdentifier(identifier string) (*containment.Result, error)
	ExtendTimeout(item *models.PersistenceItem, additional time.Duration) (*containment.Result, error)
	VerifyBinaryIntegrity(item *models.PersistenceItem) (integrity.Verdict, error)
}

// ItemFinder resolves a live persistence item for a containment request
type ItemFinder interface {
	Scan(category models.Category) ([]models.PersistenceItem, error)
}

// ContainmentService serves the containment endpoints
type ContainmentService struct {
	Engine  Container
	Scanner ItemFinder
}

func NewContainmentService(engine Container, scanner ItemFinder) *ContainmentService {
	return &ContainmentService{Engine: engine, Scanner: scanner}
}

// ContainRequest names the item to contain and an optional auto-release
// timeout.
type ContainRequest struct {
	Identifier string          `json:"identifier"`
	Category   models.Category `json:"category"`
	Timeout    string          `json:"timeout,omitempty"`
}

// ExtendRequest adds time to an existing containment
type ExtendRequest struct {
	Additional string `json:"additional"`
}

// ListContainmentsHandler returns every active containment state
func ListContainmentsHandler(svc *ContainmentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		utils.SendSuccessResponse(w, svc.Engine.States())
	}
}

// ContainHandler looks the item up by identifier and contains it
func ContainHandler(svc *ContainmentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ContainRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			utils.SendErrorResponse(w, utils.NewAPIError("Invalid request body", http.StatusBadRequest))
			return
		}
		if req.Identifier == "" || req.Category == "" {
			utils.SendErrorResponse(w, utils.NewAPIError("identifier and category are required", http.StatusBadRequest))
			return
		}

		var timeout time.Duration
		if req.Timeout != "" {
			d, err := time.ParseDuration(req.Timeout)
			if err != nil || d < 0 {
				utils.SendErrorResponse(w, utils.NewAPIError("Invalid timeout", http.StatusBadRequest))
				return
			}
			timeout = d
		}

		item, err := svc.findItem(req.Identifier, req.Category)
		if err != nil {
			utils.SendErrorResponse(w, utils.NewAPIError("Item lookup failed", http.StatusInternalServerError))
			return
		}
		if item == nil {
			utils.SendErrorResponse(w, utils.NewAPIError("Item not found", http.StatusNotFound))
			return
		}

		result, err := svc.Engine.Contain(item, timeout)
		if err != nil {
			sendContainmentError(w, err)
			return
		}
		utils.SendSuccessResponse(w, result)
	}
}

// ReleaseContainmentHandler undoes a containment
func ReleaseContainmentHandler(svc *ContainmentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identifier := mux.Vars(r)["identifier"]
		result, err := svc.Engine.ReleaseByIdentifier(identifier)
		if err != nil {
			sendContainmentError(w, err)
			return
		}
		utils.SendSuccessResponse(w, result)
	}
}

// ExtendContainmentHandler pushes the auto-release further out
func ExtendContainmentHandler(svc *ContainmentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identifier := mux.Vars(r)["identifier"]

		var req ExtendRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			utils.SendErrorResponse(w, utils.NewAPIError("Invalid request body", http.StatusBadRequest))
			return
		}
		additional, err := time.ParseDuration(req.Additional)
		if err != nil || additional <= 0 {
			utils.SendErrorResponse(w, utils.NewAPIError("Invalid additional duration", http.StatusBadRequest))
			return
		}

		state, ok := svc.Engine.State(identifier)
		if !ok {
			utils.SendErrorResponse(w, utils.NewAPIError("Item is not contained", http.StatusNotFound))
			return
		}

		result, err := svc.Engine.ExtendTimeout(&models.PersistenceItem{
			Identifier: identifier,
			Category:   state.Category,
			Name:       identifier,
		}, additional)
		if err != nil {
			sendContainmentError(w, err)
			return
		}
		utils.SendSuccessResponse(w, result)
	}
}

// IntegrityHandler recomputes the contained binary's hash
func IntegrityHandler(svc *ContainmentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identifier := mux.Vars(r)["identifier"]

		state, ok := svc.Engine.State(identifier)
		if !ok {
			utils.SendErrorResponse(w, utils.NewAPIError("Item is not contained", http.StatusNotFound))
			return
		}

		item := &models.PersistenceItem{Identifier: identifier, Category: state.Category}
		if state.NetworkRule != nil {
			item.ExecutablePath = state.NetworkRule.BinaryPath
		}

		verdict, err := svc.Engine.VerifyBinaryIntegrity(item)
		if err != nil {
			sendContainmentError(w, err)
			return
		}
		utils.SendSuccessResponse(w, map[string]any{
			"identifier": identifier,
			"verdict":    verdict,
		})
	}
}

// findItem rescans the category and picks the requested identifier
func (svc *ContainmentService) findItem(identifier string, category models.Category) (*models.PersistenceItem, error) {
	items, err := svc.Scanner.Scan(category)
	if err != nil {
		return nil, err
	}
	for i := range items {
		if items[i].Identifier == identifier {
			return &items[i], nil
		}
	}
	return nil, nil
}

func sendContainmentError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, containment.ErrAlreadyContained):
		utils.SendErrorResponse(w, utils.NewAPIError("Item is already contained", http.StatusConflict))
	case errors.Is(err, containment.ErrNotContained):
		utils.SendErrorResponse(w, utils.NewAPIError("Item is not contained", http.StatusNotFound))
	case errors.Is(err, containment.ErrPlistNotFound), errors.Is(err, containment.ErrBinaryNotFound):
		utils.SendErrorResponse(w, utils.NewAPIError(err.Error(), http.StatusUnprocessableEntity))
	default:
		utils.SendErrorResponse(w, utils.NewAPIError(err.Error(), http.StatusInternalServerError))
	}
}
