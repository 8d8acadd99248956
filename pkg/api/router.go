// Package api exposes the controller over HTTP.
package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"provisiond/pkg/auth"
	"provisiond/pkg/cluster"
	"provisiond/pkg/metrics"
	"provisiond/pkg/rpc"
)

// Pinger is a dependency checked by /healthz.
type Pinger interface {
	Ping() error
}

type RouterConfig struct {
	Logger   *zap.Logger
	Verifier *auth.Verifier

	Clusters *cluster.Service
	Releases *cluster.ReleaseService
	Nodes    *cluster.NodeService
	Hub      *rpc.Hub

	// Health maps a dependency name to its health check.
	Health map[string]Pinger
}

// NewRouter builds the gin engine with every route and middleware.
func NewRouter(cfg RouterConfig) *gin.Engine {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	verifier := cfg.Verifier
	if verifier == nil {
		verifier = auth.NewVerifier("", "")
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(MetricsMiddleware())
	router.Use(RequestLogger(log))

	router.GET("/healthz", healthHandler(cfg.Health))
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})))

	v1 := router.Group("/api/v1")
	v1.Use(verifier.Middleware())

	releases := &releaseHandler{svc: cfg.Releases}
	v1.GET("/releases", releases.list)
	v1.POST("/releases", releases.create)
	v1.GET("/releases/:id", releases.get)

	clusters := &clusterHandler{svc: cfg.Clusters}
	v1.GET("/clusters", clusters.list)
	v1.POST("/clusters", clusters.create)
	v1.GET("/clusters/:id", clusters.get)
	v1.PUT("/clusters/:id", clusters.update)
	v1.DELETE("/clusters/:id", clusters.delete)
	v1.PUT("/clusters/:id/changes", clusters.applyChanges)
	v1.PUT("/clusters/:id/verify/networks", clusters.verifyNetworks)
	v1.GET("/networks", clusters.listNetworks)
	v1.GET("/tasks", clusters.listTasks)
	v1.GET("/tasks/:uuid", clusters.getTask)

	nodes := &nodeHandler{svc: cfg.Nodes}
	v1.GET("/nodes", nodes.list)
	v1.POST("/nodes", nodes.create)
	v1.GET("/nodes/:id", nodes.get)
	v1.PUT("/nodes/:id", nodes.update)

	if cfg.Hub != nil {
		v1.GET("/ws/worker", gin.WrapF(cfg.Hub.ServeWS))
	}
	return router
}
