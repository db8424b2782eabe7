// Package webhook принимает callback'и платёжного процессора по HTTP.
package webhook

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/shopcore/internal/domain"
	"github.com/vladislavdragonenkov/shopcore/internal/service/checkout"
)

// SignatureHeader — альтернатива полю signature в теле запроса.
const SignatureHeader = "X-Shop-Signature"

// Confirmer применяет подписанный callback шлюза.
type Confirmer interface {
	ConfirmPayment(ctx context.Context, intentID, externalPaymentID, signature string) (checkout.ConfirmResult, error)
}

// CallbackRequest — тело POST /webhooks/payments.
type CallbackRequest struct {
	IntentID          string `json:"intent_id" binding:"required"`
	ExternalPaymentID string `json:"external_payment_id" binding:"required"`
	Signature         string `json:"signature"`
}

type CallbackResponse struct {
	OrderID     string `json:"order_id"`
	OrderStatus string `json:"order_status"`
	PaymentID   string `json:"payment_id"`
	Outcome     string `json:"outcome"`
}

// ErrorResponse — единый конверт ошибок {code, message}.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type Handler struct {
	confirmer Confirmer
	logger    *log.Entry
}

func NewHandler(confirmer Confirmer, logger *log.Entry) *Handler {
	if logger == nil {
		logger = log.WithField("component", "payment-webhook")
	}
	return &Handler{confirmer: confirmer, logger: logger}
}

// NewRouter собирает gin-engine с маршрутом callback'ов.
func NewRouter(handler *Handler) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(handler.logger))
	router.POST("/webhooks/payments", handler.PaymentCallback)
	return router
}

// PaymentCallback подтверждает оплату. Повторная доставка того же callback'а возвращает 200.
func (h *Handler) PaymentCallback(c *gin.Context) {
	var req CallbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Code: string(domain.KindInvalidArgument), Message: "intent_id and external_payment_id are required"})
		return
	}
	if req.Signature == "" {
		req.Signature = c.GetHeader(SignatureHeader)
	}
	if req.Signature == "" {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Code: string(domain.KindSignatureInvalid), Message: domain.ErrSignatureInvalid.Error()})
		return
	}

	res, err := h.confirmer.ConfirmPayment(c.Request.Context(), req.IntentID, req.ExternalPaymentID, req.Signature)
	if err != nil {
		h.writeError(c, req.IntentID, err)
		return
	}
	c.JSON(http.StatusOK, CallbackResponse{
		OrderID:     res.Order.ID,
		OrderStatus: string(res.Order.Status),
		PaymentID:   res.Payment.ID,
		Outcome:     string(res.Outcome),
	})
}

func (h *Handler) writeError(c *gin.Context, intentID string, err error) {
	kind := domain.KindOf(err)
	code, message := httpStatus(kind), err.Error()
	if errors.Is(err, context.DeadlineExceeded) {
		code, kind = http.StatusGatewayTimeout, domain.KindUnavailable
	}
	if code == http.StatusInternalServerError {
		message = "internal error"
	}

	entry := h.logger.WithError(err).WithFields(log.Fields{"intent_id": intentID, "kind": kind})
	if code >= http.StatusInternalServerError {
		entry.Error("payment callback failed")
	} else {
		entry.Warn("payment callback rejected")
	}
	c.JSON(code, ErrorResponse{Code: string(kind), Message: message})
}

func httpStatus(kind domain.Kind) int {
	switch kind {
	case domain.KindInvalidArgument:
		return http.StatusBadRequest
	case domain.KindPaymentVerificationFailed, domain.KindSignatureInvalid, domain.KindUnauthorized:
		return http.StatusUnauthorized
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindConflict, domain.KindInvalidTransition:
		return http.StatusConflict
	case domain.KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func requestLogger(logger *log.Entry) gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		logger.WithFields(log.Fields{
			"method":   c.Request.Method,
			"path":     c.FullPath(),
			"status":   c.Writer.Status(),
			"duration": time.Since(started),
		}).Debug("webhook request")
	}
}
