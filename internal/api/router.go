package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registrar mounts a group of routes.
type Registrar interface{ Register(r *gin.Engine) }

// NewEngine returns a gin engine with panic recovery.
func NewEngine() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	return r
}

// Mount registers every module on r.
func Mount(r *gin.Engine, rs ...Registrar) {
	for _, rg := range rs {
		rg.Register(r)
	}
}

// SystemRoutes serves /health and the prometheus endpoint.
type SystemRoutes struct {
	Gatherer    prometheus.Gatherer
	MetricsPath string
}

func (s SystemRoutes) Register(r *gin.Engine) {
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if s.Gatherer != nil && s.MetricsPath != "" {
		r.GET(s.MetricsPath, gin.WrapH(promhttp.HandlerFor(s.Gatherer, promhttp.HandlerOpts{})))
	}
}
