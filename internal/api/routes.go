package api

import (
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// setupAPIRoutes sets up API v1 routes
func (s *Server) setupAPIRoutes(r chi.Router) {
	r.Get("/health", s.HandleHealth)
	r.Get("/", s.HandleRoot)

	// Event stream, kept outside the request timeout.
	r.Get("/events", s.HandleEvents)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(2 * time.Minute))

		r.Get("/ports", s.HandleListPorts)
		r.Put("/transport", s.HandleSetTransport)
		r.Put("/chunk-timeout", s.HandleSetChunkTimeout)

		r.Route("/connection", func(r chi.Router) {
			r.Get("/", s.HandleGetConnection)
			r.Post("/", s.HandleConnect)
			r.Delete("/", s.HandleDisconnect)
		})

		r.Route("/images", func(r chi.Router) {
			r.Get("/", s.HandleGetImages)
			r.Post("/test", s.HandleTestImage)
			r.Post("/confirm", s.HandleConfirmImage)
			r.Post("/erase", s.HandleEraseImage)
		})
		r.Post("/reset", s.HandleReset)

		r.Route("/candidates", func(r chi.Router) {
			r.Get("/", s.HandleListCandidates)
			r.Post("/", s.HandleStageCandidate)
			r.Delete("/", s.HandleClearCandidates)
			r.Delete("/{image}", s.HandleRemoveCandidate)
		})

		r.Route("/upload", func(r chi.Router) {
			r.Get("/", s.HandleUploadStatus)
			r.Post("/", s.HandleStartUpload)
			r.Post("/continue", s.HandleContinue)
			r.Post("/confirmation", s.HandleConfirmation)
		})

		r.Route("/os", func(r chi.Router) {
			r.Post("/echo", s.HandleEcho)
			r.Get("/tasks", s.HandleTaskStats)
			r.Get("/mempools", s.HandleMPStats)
		})
		r.Post("/shell", s.HandleShell)
		r.Post("/fs", s.HandleFileSystemUpload)

		r.Route("/firmware", func(r chi.Router) {
			r.Get("/", s.HandleListFirmware)
			r.Post("/{artifact}/stage", s.HandleStageFirmware)
		})
	})
}
