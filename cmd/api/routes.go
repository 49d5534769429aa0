package main

import (
	"database/sql"
	"net/http"
	"time"

	"sales-crm/internal/httpapi"
	"sales-crm/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Keep this file free of business logic. Handlers delegate to internal modules.

func registerPublicRoutes(r *gin.Engine, db *sql.DB, reg *prometheus.Registry) {
	r.GET("/healthz", func(c *gin.Context) {
		if err := utils.HealthCheck(c.Request.Context(), db, 2*time.Second); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "postgres": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
}

func registerAPIRoutes(r *gin.Engine, h httpapi.Handlers, authMW gin.HandlerFunc) {
	v1 := r.Group("/v1")
	v1.Use(httpapi.ClientIP())

	// token issuance and refresh
	h.MountAuth(v1)

	protected := v1.Group("")
	protected.Use(authMW)
	h.Mount(protected)
}
