package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/jbweber/homelab/vmx/internal/domain"
)

// ImagesService is the image catalog and registry surface
type ImagesService interface {
	List(ctx context.Context) ([]domain.Image, error)
	Get(ctx context.Context, ref string) (domain.Image, error)
	Tag(ctx context.Context, vmRef, ref string) (domain.Image, error)
	Delete(ctx context.Context, ref string) (domain.Image, error)
	Push(ctx context.Context, ref string) (string, error)
	Pull(ctx context.Context, ref string) (domain.Image, error)
}

// Images groups image handlers
type Images struct {
	svc    ImagesService
	logger zerolog.Logger
}

func NewImages(svc ImagesService, logger zerolog.Logger) *Images {
	return &Images{svc: svc, logger: logger}
}

// CreateImageRequest tags the disk of machine From as Image
type CreateImageRequest struct {
	From  string `json:"from"`
	Image string `json:"image"`
}

type PullImageRequest struct {
	Image string `json:"image"`
}

type PushImageResponse struct {
	Target string `json:"target"`
}

type ImageResponse struct {
	ID         string    `json:"id"`
	Repository string    `json:"repository"`
	Tag        string    `json:"tag"`
	Size       int64     `json:"size"`
	Path       string    `json:"path"`
	Format     string    `json:"format"`
	Digest     string    `json:"digest,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

func toImageResponse(image domain.Image) ImageResponse {
	return ImageResponse{
		ID:         image.ID,
		Repository: image.Repository,
		Tag:        image.Tag,
		Size:       image.Size,
		Path:       image.Path,
		Format:     image.Format,
		Digest:     image.Digest,
		CreatedAt:  image.CreatedAt,
	}
}

func (i *Images) ListImagesHandler(w http.ResponseWriter, r *http.Request) {
	images, err := i.svc.List(r.Context())
	if err != nil {
		writeError(w, i.logger, err)
		return
	}

	response := make([]ImageResponse, len(images))
	for n, image := range images {
		response[n] = toImageResponse(image)
	}
	writeJSON(w, i.logger, http.StatusOK, response)
}

func (i *Images) GetImageHandler(w http.ResponseWriter, r *http.Request) {
	image, err := i.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, i.logger, err)
		return
	}
	writeJSON(w, i.logger, http.StatusOK, toImageResponse(image))
}

func (i *Images) CreateImageHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateImageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeParseError(w, i.logger, err)
		return
	}
	if req.From == "" || req.Image == "" {
		writeJSON(w, i.logger, http.StatusBadRequest, ErrorResponse{Error: "from and image are required", Code: CodeParseBody})
		return
	}

	image, err := i.svc.Tag(r.Context(), req.From, req.Image)
	if err != nil {
		writeError(w, i.logger, err)
		return
	}
	writeJSON(w, i.logger, http.StatusCreated, toImageResponse(image))
}

func (i *Images) DeleteImageHandler(w http.ResponseWriter, r *http.Request) {
	image, err := i.svc.Delete(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, i.logger, err)
		return
	}
	writeJSON(w, i.logger, http.StatusOK, toImageResponse(image))
}

func (i *Images) PushImageHandler(w http.ResponseWriter, r *http.Request) {
	target, err := i.svc.Push(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, i.logger, err)
		return
	}
	writeJSON(w, i.logger, http.StatusOK, PushImageResponse{Target: target})
}

// PullImageHandler answers 409 with the existing image's id in the message
// when the remote layer is already present.
func (i *Images) PullImageHandler(w http.ResponseWriter, r *http.Request) {
	var req PullImageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeParseError(w, i.logger, err)
		return
	}
	if req.Image == "" {
		writeJSON(w, i.logger, http.StatusBadRequest, ErrorResponse{Error: "image is required", Code: CodeParseBody})
		return
	}

	image, err := i.svc.Pull(r.Context(), req.Image)
	if errors.Is(err, domain.ErrAlreadyPulled) {
		writeJSON(w, i.logger, http.StatusConflict, ErrorResponse{Error: err.Error() + ": " + image.ID, Code: CodeAlreadyPulled})
		return
	}
	if err != nil {
		writeError(w, i.logger, err)
		return
	}
	writeJSON(w, i.logger, http.StatusCreated, toImageResponse(image))
}
