package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/halcyonlab/persistguard/internal/api/utils"
	"github.com/halcyonlab/persistguard/internal/store"
)

// Acknowledger publishes acknowledge events back to the orchestrator so
// its counters stay in sync with the store.
type Acknowledger interface {
	Acknowledge()
}

// ChangeService serves the change history endpoints
type ChangeService struct {
	Store   *store.Store
	Monitor Acknowledger
}

func NewChangeService(st *store.Store, mon Acknowledger) *ChangeService {
	return &ChangeService{Store: st, Monitor: mon}
}

const defaultChangeLimit = 100

// GetChangesHandler lists change history entries, newest first
func GetChangesHandler(svc *ChangeService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := defaultChangeLimit
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 || n > 1000 {
				utils.SendErrorResponse(w, utils.NewAPIError("limit must be between 1 and 1000", http.StatusBadRequest))
				return
			}
			limit = n
		}

		entries, err := svc.Store.GetChangeHistory(limit)
		if err != nil {
			utils.SendErrorResponse(w, utils.NewAPIError("Failed to fetch change history", http.StatusInternalServerError))
			return
		}
		utils.SendSuccessResponse(w, entries)
	}
}

// AcknowledgeChangeHandler marks one change entry as reviewed
func AcknowledgeChangeHandler(svc *ChangeService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 32)
		if err != nil {
			utils.SendErrorResponse(w, utils.NewAPIError("Invalid change ID", http.StatusBadRequest))
			return
		}

		if err := svc.Store.AcknowledgeChange(uint(id)); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				utils.SendErrorResponse(w, utils.NewAPIError("Change not found", http.StatusNotFound))
			} else {
				utils.SendErrorResponse(w, utils.NewAPIError("Failed to acknowledge change", http.StatusInternalServerError))
			}
			return
		}

		if svc.Monitor != nil {
			svc.Monitor.Acknowledge()
		}
		utils.SendSuccessResponseWithMessage(w, "Change acknowledged", nil)
	}
}

// UnacknowledgedCountHandler returns the open review backlog size
func UnacknowledgedCountHandler(svc *ChangeService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		count, err := svc.Store.GetUnacknowledgedCount()
		if err != nil {
			utils.SendErrorResponse(w, utils.NewAPIError("Failed to count changes", http.StatusInternalServerError))
			return
		}
		utils.SendSuccessResponse(w, map[string]int64{"count": count})
	}
}
