package dashboard

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/zulandar/signalbox/internal/bridge"
)

// registerRoutes sets up all dashboard routes on the Gin router.
func registerRoutes(router *gin.Engine, b *bridge.Bridge) {
	router.GET("/api/connection", handleConnection(b))
	router.GET("/api/sessions", handleSessions(b))
	router.GET("/api/sessions/:id/devices", handleSessionDevices(b))
	router.GET("/api/queues", handleQueues(b))
	router.GET("/api/deadletter", handleDeadLetter(b))
	router.GET("/api/events", handleSSE(b))
}

func handleConnection(b *bridge.Bridge) gin.HandlerFunc {
	return func(c *gin.Context) {
		snap := b.Diagnostics()
		c.JSON(http.StatusOK, gin.H{
			"state":     snap.State,
			"quality":   snap.Quality,
			"exhausted": snap.Exhausted,
			"events":    snap.Events,
		})
	}
}

func handleSessions(b *bridge.Bridge) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"sessions": b.Diagnostics().Sessions,
		})
	}
}

func handleSessionDevices(b *bridge.Bridge) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"session_id": c.Param("id"),
			"devices":    b.SessionDevices(c.Param("id")),
		})
	}
}

func handleQueues(b *bridge.Bridge) gin.HandlerFunc {
	return func(c *gin.Context) {
		snap := b.Diagnostics()
		c.JSON(http.StatusOK, gin.H{
			"depths":              snap.QueueDepths,
			"recent_fingerprints": snap.Recent,
		})
	}
}

func handleDeadLetter(b *bridge.Bridge) gin.HandlerFunc {
	return func(c *gin.Context) {
		dead := b.Diagnostics().DeadLetters
		c.JSON(http.StatusOK, gin.H{
			"count":        len(dead),
			"dead_letters": dead,
		})
	}
}
