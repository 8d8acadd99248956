package api

import (
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func healthHandler(deps map[string]Pinger) gin.HandlerFunc {
	names := make([]string, 0, len(deps))
	for name := range deps {
		names = append(names, name)
	}
	sort.Strings(names)

	return func(c *gin.Context) {
		status := http.StatusOK
		checks := gin.H{}
		for _, name := range names {
			if err := deps[name].Ping(); err != nil {
				status = http.StatusServiceUnavailable
				checks[name] = err.Error()
				GetLogger(c).Warn("health check failed", zap.String("dependency", name), zap.Error(err))
				continue
			}
			checks[name] = "ok"
		}
		state := "ok"
		if status != http.StatusOK {
			state = "unavailable"
		}
		c.JSON(status, gin.H{"status": state, "checks": checks})
	}
}
