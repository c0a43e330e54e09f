package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/jbweber/homelab/vmx/internal/domain"
	"github.com/jbweber/homelab/vmx/internal/lifecycle"
)

// MachinesService is the lifecycle surface the machine handlers drive
type MachinesService interface {
	List(ctx context.Context, all bool) ([]domain.VM, error)
	Get(ctx context.Context, ref string) (domain.VM, error)
	Create(ctx context.Context, req lifecycle.CreateRequest) (domain.VM, error)
	Start(ctx context.Context, ref string, ov lifecycle.Overrides, mode lifecycle.Mode) (lifecycle.StartResult, error)
	Stop(ctx context.Context, ref string) (domain.VM, error)
	Restart(ctx context.Context, ref string, ov lifecycle.Overrides) (lifecycle.StartResult, error)
	Remove(ctx context.Context, ref string) (domain.VM, error)
}

// Machines groups machine handlers for testability
type Machines struct {
	svc    MachinesService
	logger zerolog.Logger
}

func NewMachines(svc MachinesService, logger zerolog.Logger) *Machines {
	return &Machines{svc: svc, logger: logger}
}

type CreateMachineRequest struct {
	Name        string   `json:"name,omitempty"`
	Image       string   `json:"image"`
	Volume      string   `json:"volume,omitempty"`
	Bridge      string   `json:"bridge,omitempty"`
	Memory      string   `json:"memory,omitempty"`
	CPUs        int      `json:"cpus,omitempty"`
	CPU         string   `json:"cpu,omitempty"`
	PortForward []string `json:"portForward,omitempty"`
}

// StartMachineRequest carries per-start overrides for start and restart
type StartMachineRequest struct {
	Memory      string   `json:"memory,omitempty"`
	CPUs        int      `json:"cpus,omitempty"`
	CPU         string   `json:"cpu,omitempty"`
	PortForward []string `json:"portForward,omitempty"`
	Volume      string   `json:"volume,omitempty"`
}

func (r StartMachineRequest) overrides() lifecycle.Overrides {
	return lifecycle.Overrides{
		Memory:       r.Memory,
		CPUs:         r.CPUs,
		CPU:          r.CPU,
		PortForwards: r.PortForward,
		Volume:       r.Volume,
	}
}

type MachineResponse struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Bridge      string    `json:"bridge,omitempty"`
	MACAddress  string    `json:"macAddress"`
	Memory      string    `json:"memory"`
	CPUs        int       `json:"cpus"`
	CPU         string    `json:"cpu"`
	DiskSize    string    `json:"diskSize"`
	DrivePath   string    `json:"drivePath,omitempty"`
	DiskFormat  string    `json:"diskFormat"`
	ISOPath     string    `json:"isoPath,omitempty"`
	PortForward string    `json:"portForward,omitempty"`
	Version     string    `json:"version,omitempty"`
	Status      string    `json:"status"`
	PID         int       `json:"pid"`
	Volume      string    `json:"volume,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

func toMachineResponse(vm domain.VM) MachineResponse {
	return MachineResponse{
		ID:          vm.ID,
		Name:        vm.Name,
		Bridge:      vm.Bridge,
		MACAddress:  vm.MACAddress,
		Memory:      vm.Memory,
		CPUs:        vm.CPUs,
		CPU:         vm.CPU,
		DiskSize:    vm.DiskSize,
		DrivePath:   vm.DrivePath,
		DiskFormat:  vm.DiskFormat,
		ISOPath:     vm.ISOPath,
		PortForward: vm.PortForward,
		Version:     vm.Version,
		Status:      string(vm.Status),
		PID:         vm.PID,
		Volume:      vm.Volume,
		CreatedAt:   vm.CreatedAt,
		UpdatedAt:   vm.UpdatedAt,
	}
}

// ListMachinesHandler handles GET /machines. Only RUNNING machines are listed
// unless ?all=true (or 1) is given.
func (m *Machines) ListMachinesHandler(w http.ResponseWriter, r *http.Request) {
	all := r.URL.Query().Get("all")
	vms, err := m.svc.List(r.Context(), all == "true" || all == "1")
	if err != nil {
		writeError(w, m.logger, err)
		return
	}

	response := make([]MachineResponse, len(vms))
	for i, vm := range vms {
		response[i] = toMachineResponse(vm)
	}
	writeJSON(w, m.logger, http.StatusOK, response)
}

func (m *Machines) CreateMachineHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateMachineRequest
	if err := decodeJSON(r, &req); err != nil {
		writeParseError(w, m.logger, err)
		return
	}
	if req.Image == "" {
		writeJSON(w, m.logger, http.StatusBadRequest, ErrorResponse{Error: "image is required", Code: CodeParseBody})
		return
	}

	vm, err := m.svc.Create(r.Context(), lifecycle.CreateRequest{
		Name:         req.Name,
		Image:        req.Image,
		Volume:       req.Volume,
		Bridge:       req.Bridge,
		Memory:       req.Memory,
		CPUs:         req.CPUs,
		CPU:          req.CPU,
		PortForwards: req.PortForward,
	})
	if err != nil {
		writeError(w, m.logger, err)
		return
	}
	writeJSON(w, m.logger, http.StatusCreated, toMachineResponse(vm))
}

func (m *Machines) GetMachineHandler(w http.ResponseWriter, r *http.Request) {
	vm, err := m.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, m.logger, err)
		return
	}
	writeJSON(w, m.logger, http.StatusOK, toMachineResponse(vm))
}

// DeleteMachineHandler removes a stopped machine and returns its last state.
func (m *Machines) DeleteMachineHandler(w http.ResponseWriter, r *http.Request) {
	vm, err := m.svc.Remove(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, m.logger, err)
		return
	}
	writeJSON(w, m.logger, http.StatusOK, toMachineResponse(vm))
}

// StartMachineHandler starts a machine detached. The body is optional.
func (m *Machines) StartMachineHandler(w http.ResponseWriter, r *http.Request) {
	var req StartMachineRequest
	if err := decodeJSON(r, &req); err != nil {
		writeParseError(w, m.logger, err)
		return
	}

	res, err := m.svc.Start(r.Context(), chi.URLParam(r, "id"), req.overrides(), lifecycle.Detached)
	if err != nil {
		writeError(w, m.logger, err)
		return
	}
	writeJSON(w, m.logger, http.StatusOK, toMachineResponse(res.VM))
}

func (m *Machines) StopMachineHandler(w http.ResponseWriter, r *http.Request) {
	vm, err := m.svc.Stop(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, m.logger, err)
		return
	}
	writeJSON(w, m.logger, http.StatusOK, toMachineResponse(vm))
}

func (m *Machines) RestartMachineHandler(w http.ResponseWriter, r *http.Request) {
	var req StartMachineRequest
	if err := decodeJSON(r, &req); err != nil {
		writeParseError(w, m.logger, err)
		return
	}

	res, err := m.svc.Restart(r.Context(), chi.URLParam(r, "id"), req.overrides())
	if err != nil {
		writeError(w, m.logger, err)
		return
	}
	writeJSON(w, m.logger, http.StatusOK, toMachineResponse(res.VM))
}
