// Package api is the HTTP façade over the lifecycle, image and volume managers.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/jbweber/homelab/vmx/internal/observability"
)

// Deps are the services behind the API
type Deps struct {
	Machines MachinesService
	Images   ImagesService
	Volumes  VolumesService
	Logger   zerolog.Logger
	// Token guards /machines, /images and /volumes when set
	Token string
}

// API holds the handler groups
type API struct {
	machines *Machines
	images   *Images
	volumes  *Volumes
	token    string
	logger   zerolog.Logger
}

// NewAPI creates a new API instance
func NewAPI(deps Deps) *API {
	logger := deps.Logger.With().Str("component", "api").Logger()
	return &API{
		machines: NewMachines(deps.Machines, logger),
		images:   NewImages(deps.Images, logger),
		volumes:  NewVolumes(deps.Volumes, logger),
		token:    deps.Token,
		logger:   logger,
	}
}

// Router returns a chi router with middleware and every route registered.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(observability.RequestLogger(a.logger))
	r.Use(observability.RequestMetrics)
	a.RegisterRoutes(r)
	return r
}

// RegisterRoutes registers all API endpoints to the given chi router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, a.logger, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", observability.Handler())

	r.Group(func(r chi.Router) {
		r.Use(bearerAuth(a.token, a.logger))

		r.Route("/machines", func(r chi.Router) {
			r.Get("/", a.machines.ListMachinesHandler)
			r.Post("/", a.machines.CreateMachineHandler)
			r.Get("/{id}", a.machines.GetMachineHandler)
			r.Delete("/{id}", a.machines.DeleteMachineHandler)
			r.Post("/{id}/start", a.machines.StartMachineHandler)
			r.Post("/{id}/stop", a.machines.StopMachineHandler)
			r.Post("/{id}/restart", a.machines.RestartMachineHandler)
		})

		r.Route("/images", func(r chi.Router) {
			r.Get("/", a.images.ListImagesHandler)
			r.Post("/", a.images.CreateImageHandler)
			r.Post("/pull", a.images.PullImageHandler)
			r.Get("/{id}", a.images.GetImageHandler)
			r.Delete("/{id}", a.images.DeleteImageHandler)
			r.Post("/{id}/push", a.images.PushImageHandler)
		})

		r.Route("/volumes", func(r chi.Router) {
			r.Get("/", a.volumes.ListVolumesHandler)
			r.Post("/", a.volumes.CreateVolumeHandler)
			r.Get("/{id}", a.volumes.GetVolumeHandler)
			r.Delete("/{id}", a.volumes.DeleteVolumeHandler)
		})
	})
}
