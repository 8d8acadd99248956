package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"provisiond/pkg/cluster"
	"provisiond/pkg/logging"
)

func parseID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		badRequest(c, "invalid id")
		return 0, false
	}
	return uint(id), true
}

type releaseHandler struct {
	svc *cluster.ReleaseService
}

func (h *releaseHandler) list(c *gin.Context) {
	items, err := h.svc.List(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, items)
}

func (h *releaseHandler) create(c *gin.Context) {
	var req cluster.ReleaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid payload")
		return
	}
	r, err := h.svc.Create(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, r)
}

func (h *releaseHandler) get(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	r, err := h.svc.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

type clusterHandler struct {
	svc *cluster.Service
}

func (h *clusterHandler) list(c *gin.Context) {
	items, err := h.svc.ListClusters(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, items)
}

func (h *clusterHandler) create(c *gin.Context) {
	var req cluster.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid payload")
		return
	}
	cl, err := h.svc.CreateCluster(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, cl)
}

func (h *clusterHandler) get(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	cl, err := h.svc.GetCluster(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, cl)
}

func (h *clusterHandler) update(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req cluster.UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid payload")
		return
	}
	cl, err := h.svc.UpdateCluster(c.Request.Context(), id, req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, cl)
}

func (h *clusterHandler) delete(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	if err := h.svc.DeleteCluster(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// applyChanges answers 202 with the task. When some nodes failed after the
// deploy message went out, the error status is used and the result is
// still returned so the caller sees which nodes were dispatched.
func (h *clusterHandler) applyChanges(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	res, err := h.svc.ApplyChanges(c.Request.Context(), id)
	if err != nil && res == nil {
		respondError(c, err)
		return
	}
	if err != nil {
		GetLogger(c).Warn("cluster changes partially applied", zap.Uint(logging.FieldClusterID, id), zap.Error(err))
		_ = c.Error(err)
		c.JSON(statusFor(err), gin.H{"error": err.Error(), "result": res})
		return
	}
	c.JSON(http.StatusAccepted, res)
}

func (h *clusterHandler) verifyNetworks(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	t, err := h.svc.VerifyNetworks(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, t)
}

func (h *clusterHandler) listNetworks(c *gin.Context) {
	items, err := h.svc.ListNetworks(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, items)
}

// listTasks accepts optional cluster_id and limit query parameters.
func (h *clusterHandler) listTasks(c *gin.Context) {
	var clusterID uint64
	if v := c.Query("cluster_id"); v != "" {
		var err error
		if clusterID, err = strconv.ParseUint(v, 10, 64); err != nil {
			badRequest(c, "invalid cluster_id")
			return
		}
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "0"))
	if err != nil || limit < 0 {
		badRequest(c, "invalid limit")
		return
	}
	items, err := h.svc.ListTasks(c.Request.Context(), uint(clusterID), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, items)
}

func (h *clusterHandler) getTask(c *gin.Context) {
	t, err := h.svc.GetTask(c.Request.Context(), c.Param("uuid"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

type nodeHandler struct {
	svc *cluster.NodeService
}

func (h *nodeHandler) list(c *gin.Context) {
	items, err := h.svc.List(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, items)
}

func (h *nodeHandler) create(c *gin.Context) {
	var req cluster.NodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid payload")
		return
	}
	n, err := h.svc.Create(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, n)
}

func (h *nodeHandler) get(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	n, err := h.svc.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, n)
}

func (h *nodeHandler) update(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req cluster.NodeUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid payload")
		return
	}
	n, err := h.svc.Update(c.Request.Context(), id, req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, n)
}
