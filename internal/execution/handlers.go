package execution

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/toolpay/internal/validation"
)

// Handlers exposes read endpoints over the execution record store.
type Handlers struct {
	store Store
}

func NewHandlers(store Store) *Handlers {
	return &Handlers{store: store}
}

// RegisterRoutes mounts the execution endpoints on the given router group.
func (h *Handlers) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/executions/:id", h.getExecution)
	r.GET("/agents/:address/executions", validation.AddressParamMiddleware(), h.listExecutions)
}

func (h *Handlers) getExecution(c *gin.Context) {
	rec, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err == ErrRecordNotFound {
		c.JSON(http.StatusNotFound, gin.H{"error": "execution record not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load execution record"})
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *Handlers) listExecutions(c *gin.Context) {
	limit := 50
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		if n > 200 {
			n = 200
		}
		limit = n
	}

	addr := validation.SanitizeAddress(c.Param("address"))
	records, err := h.store.ListByAgent(c.Request.Context(), addr, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list execution records"})
		return
	}
	if records == nil {
		records = []*Record{}
	}
	c.JSON(http.StatusOK, gin.H{"executions": records, "count": len(records)})
}
