package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/jbweber/homelab/vmx/internal/domain"
)

// VolumesService is the volume manager surface
type VolumesService interface {
	List(ctx context.Context) ([]domain.Volume, error)
	Get(ctx context.Context, ref string) (domain.Volume, error)
	Create(ctx context.Context, name, imageRef, size string) (domain.Volume, error)
	Delete(ctx context.Context, ref string) (domain.Volume, error)
}

// Volumes groups volume handlers
type Volumes struct {
	svc    VolumesService
	logger zerolog.Logger
}

func NewVolumes(svc VolumesService, logger zerolog.Logger) *Volumes {
	return &Volumes{svc: svc, logger: logger}
}

type CreateVolumeRequest struct {
	Name      string `json:"name"`
	BaseImage string `json:"baseImage"`
	Size      string `json:"size,omitempty"`
}

type VolumeResponse struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	BaseImageID string    `json:"baseImageId"`
	Path        string    `json:"path"`
	Size        string    `json:"size,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

func toVolumeResponse(vol domain.Volume) VolumeResponse {
	return VolumeResponse{
		ID:          vol.ID,
		Name:        vol.Name,
		BaseImageID: vol.BaseImageID,
		Path:        vol.Path,
		Size:        vol.Size,
		CreatedAt:   vol.CreatedAt,
	}
}

func (v *Volumes) ListVolumesHandler(w http.ResponseWriter, r *http.Request) {
	vols, err := v.svc.List(r.Context())
	if err != nil {
		writeError(w, v.logger, err)
		return
	}

	response := make([]VolumeResponse, len(vols))
	for i, vol := range vols {
		response[i] = toVolumeResponse(vol)
	}
	writeJSON(w, v.logger, http.StatusOK, response)
}

func (v *Volumes) GetVolumeHandler(w http.ResponseWriter, r *http.Request) {
	vol, err := v.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, v.logger, err)
		return
	}
	writeJSON(w, v.logger, http.StatusOK, toVolumeResponse(vol))
}

// CreateVolumeHandler returns the existing volume when the name is taken.
func (v *Volumes) CreateVolumeHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateVolumeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeParseError(w, v.logger, err)
		return
	}
	if req.Name == "" || req.BaseImage == "" {
		writeJSON(w, v.logger, http.StatusBadRequest, ErrorResponse{Error: "name and baseImage are required", Code: CodeParseBody})
		return
	}

	vol, err := v.svc.Create(r.Context(), req.Name, req.BaseImage, req.Size)
	if err != nil {
		writeError(w, v.logger, err)
		return
	}
	writeJSON(w, v.logger, http.StatusCreated, toVolumeResponse(vol))
}

func (v *Volumes) DeleteVolumeHandler(w http.ResponseWriter, r *http.Request) {
	vol, err := v.svc.Delete(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, v.logger, err)
		return
	}
	writeJSON(w, v.logger, http.StatusOK, toVolumeResponse(vol))
}
