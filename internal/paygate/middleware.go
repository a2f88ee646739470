package paygate

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/toolpay/internal/chain"
	"github.com/mbd888/toolpay/internal/validation"
	"github.com/mbd888/toolpay/pkg/x402"
)

// invokeBody is the JSON body of POST /v1/tools/:id/invoke.
type invokeBody struct {
	AgentAddr        string          `json:"agent"`
	CounterpartyAddr string          `json:"counterparty"`
	Cost             string          `json:"cost,omitempty"`
	Chain            string          `json:"chain,omitempty"`
	Payload          json.RawMessage `json:"payload,omitempty"`
}

// Handler exposes the gate over HTTP.
type Handler struct {
	gate *Gate
}

func NewHandler(gate *Gate) *Handler {
	return &Handler{gate: gate}
}

// RegisterRoutes mounts the invocation endpoint on the given router group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/tools/:id/invoke", h.invoke)
}

func (h *Handler) invoke(c *gin.Context) {
	var body invokeBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "could not parse request body",
		})
		return
	}

	req := &InvokeRequest{
		AgentAddr:        body.AgentAddr,
		CounterpartyAddr: body.CounterpartyAddr,
		ToolID:           c.Param("id"),
		Cost:             body.Cost,
		Chain:            body.Chain,
		Payload:          body.Payload,
		ProofHeader:      c.GetHeader(x402.ProofHeader),
	}

	result, err := h.gate.Invoke(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"execution_id": result.Record.ID,
		"status":       result.Record.Status,
		"cost":         result.Record.Cost,
		"chain":        result.Record.Chain,
		"balance":      result.Balance,
		"output":       json.RawMessage(result.Output),
	})
}

func (h *Handler) writeError(c *gin.Context, err error) {
	var payReq *PaymentRequiredError
	if errors.As(err, &payReq) {
		c.Header("X-Payment-Scheme", x402.Scheme)
		c.JSON(http.StatusPaymentRequired, gin.H{
			"error":     payReq.Code,
			"message":   payReq.Message,
			"challenge": payReq.Challenge,
		})
		return
	}

	var unavailable *VerificationUnavailableError
	if errors.As(err, &unavailable) {
		c.Header("Retry-After", "5")
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   CodeVerificationUnavailable,
			"message": "payment verification is temporarily unavailable, retry with the same proof",
		})
		return
	}

	var verrs validation.ValidationErrors
	if errors.As(err, &verrs) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": verrs.Error(),
			"fields":  verrs,
		})
		return
	}

	if errors.Is(err, chain.ErrUnknownChain) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "unknown_chain",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   "internal_error",
		"message": "invocation failed",
	})
}
