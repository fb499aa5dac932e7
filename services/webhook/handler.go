package webhook

import (
	"io"
	"net/http"

	"github.com/TroodieTeam/troodie-sub002/pkg/errutil"

	"github.com/gin-gonic/gin"
)

const (
	HeaderStripeSignature = "Stripe-Signature"
	HeaderSignature       = "X-Processor-Signature"

	maxPayloadBytes = 1 << 20
)

type Handler struct {
	reconciler *Reconciler
}

func NewHandler(reconciler *Reconciler) *Handler {
	return &Handler{reconciler: reconciler}
}

func (h *Handler) Register(r gin.IRouter) {
	r.POST("/webhooks/processor", h.receive)
}

// receive needs the raw body; the signature covers the exact bytes.
func (h *Handler) receive(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxPayloadBytes+1))
	if err != nil {
		_ = c.Error(errutil.BadRequest("failed to read webhook body", err))
		return
	}
	if len(payload) > maxPayloadBytes {
		_ = c.Error(errutil.PayloadTooLarge("webhook body exceeds limit", nil))
		return
	}

	sig := c.GetHeader(HeaderStripeSignature)
	if sig == "" {
		sig = c.GetHeader(HeaderSignature)
	}

	ack, err := h.reconciler.HandleEvent(c.Request.Context(), payload, sig)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, ack)
}
