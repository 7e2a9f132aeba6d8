package handlers

import (
	"errors"
	"net/http"

	"github.com/halcyonlab/persistguard/internal/api/utils"
	"github.com/halcyonlab/persistguard/internal/monitor"
)

// MonitorControl is the orchestrator surface the API drives
type MonitorControl interface {
	Status() monitor.Status
	StartMonitoring() error
	StopMonitoring() error
	ResetBaseline() error
}

// MonitorService serves the orchestrator control endpoints
type MonitorService struct {
	Monitor MonitorControl
}

func NewMonitorService(mon MonitorControl) *MonitorService {
	return &MonitorService{Monitor: mon}
}

// StatusHandler returns the orchestrator snapshot
func StatusHandler(svc *MonitorService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		utils.SendSuccessResponse(w, svc.Monitor.Status())
	}
}

// StartMonitorHandler starts watching
func StartMonitorHandler(svc *MonitorService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := svc.Monitor.StartMonitoring(); err != nil {
			if errors.Is(err, monitor.ErrAlreadyRunning) {
				utils.SendErrorResponse(w, utils.NewAPIError("Monitor is already running", http.StatusConflict))
			} else {
				utils.SendErrorResponse(w, utils.NewAPIError(err.Error(), http.StatusInternalServerError))
			}
			return
		}
		utils.SendSuccessResponseWithMessage(w, "Monitoring started", svc.Monitor.Status())
	}
}

// StopMonitorHandler stops watching
func StopMonitorHandler(svc *MonitorService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := svc.Monitor.StopMonitoring(); err != nil {
			if errors.Is(err, monitor.ErrNotRunning) {
				utils.SendErrorResponse(w, utils.NewAPIError("Monitor is not running", http.StatusConflict))
			} else {
				utils.SendErrorResponse(w, utils.NewAPIError(err.Error(), http.StatusInternalServerError))
			}
			return
		}
		utils.SendSuccessResponseWithMessage(w, "Monitoring stopped", svc.Monitor.Status())
	}
}

// ResetBaselineHandler rebuilds the baseline from a full scan
func ResetBaselineHandler(svc *MonitorService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := svc.Monitor.ResetBaseline(); err != nil {
			utils.SendErrorResponse(w, utils.NewAPIError("Baseline reset failed", http.StatusInternalServerError))
			return
		}
		utils.SendSuccessResponseWithMessage(w, "Baseline reset", nil)
	}
}
