package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/laviprog/speech-transcription/internal/api/handlers"
	"github.com/laviprog/speech-transcription/internal/api/middleware"
)

type Deps struct {
	RootPath      string
	Secret        string
	Auth          *handlers.AuthHandler
	User          *handlers.UserHandler
	Transcription *handlers.TranscriptionHandler
	WS            *handlers.WSHandler
}

func RegisterRoutes(r *gin.Engine, d Deps) {
	root := r.Group(d.RootPath)

	// Health-ish
	root.GET("/ping", func(c *gin.Context) {
		c.JSON(200, gin.H{"message": "pong"})
	})

	root.POST("/auth/login", d.Auth.Login)
	root.POST("/auth/refresh", d.Auth.Refresh)

	// Protected routes (JWT)
	auth := root.Group("/")
	auth.Use(middleware.JWTAuth(d.Secret))

	auth.POST("/transcriptions", d.Transcription.Submit)
	auth.GET("/transcriptions", d.Transcription.History)
	auth.GET("/transcriptions/:job_id", d.Transcription.Status)
	auth.GET("/transcriptions/:job_id/result", d.Transcription.Result)
	auth.POST("/transcriptions/:job_id/cancel", d.Transcription.Cancel)

	auth.GET("/models", d.Transcription.Models)
	auth.GET("/languages", d.Transcription.Languages)

	// WebSocket
	auth.GET("/ws/transcriptions/:job_id", d.WS.JobEvents)

	// Admin
	admin := auth.Group("/admin")
	admin.Use(middleware.RequireAdmin())
	admin.POST("/users", d.User.Create)
	admin.GET("/queue", d.Transcription.Queue)
	admin.POST("/reconcile", d.Transcription.Reconcile)
}
