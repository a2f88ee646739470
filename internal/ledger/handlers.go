package ledger

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler provides read-only HTTP endpoints for escrow balances.
type Handler struct {
	ledger       *Ledger
	defaultChain string
}

// NewHandler creates a new ledger handler.
func NewHandler(ledger *Ledger, defaultChain string) *Handler {
	return &Handler{ledger: ledger, defaultChain: defaultChain}
}

// RegisterRoutes sets up balance query routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/agents/:address/balance", h.GetBalance)
	r.GET("/agents/:address/ledger", h.GetHistory)
}

// GetBalance handles GET /v1/agents/:address/balance?chain=
func (h *Handler) GetBalance(c *gin.Context) {
	address := c.Param("address")
	chain := c.DefaultQuery("chain", h.defaultChain)

	bal, err := h.ledger.GetBalance(c.Request.Context(), address, chain)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load balance",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"balance": bal})
}

// GetHistory handles GET /v1/agents/:address/ledger?chain=&limit=
func (h *Handler) GetHistory(c *gin.Context) {
	address := c.Param("address")
	chain := c.DefaultQuery("chain", h.defaultChain)

	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	entries, err := h.ledger.History(c.Request.Context(), address, chain, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load ledger history",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}
