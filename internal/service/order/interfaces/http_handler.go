package interfaces

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"marketplace/internal/pkg/logger"
	"marketplace/internal/service/order/application"
	"marketplace/internal/service/order/domain"
)

const (
	serviceName          = "order-service"
	headerIdempotencyKey = "Idempotency-Key"
)

// OrderHandler 封装了 order 服务的 HTTP 处理器
type OrderHandler struct {
	service  *application.OrderApplicationService
	tracer   trace.Tracer
	gatherer prometheus.Gatherer
}

// NewOrderHandler gatherer 为 nil 时使用默认注册表
func NewOrderHandler(service *application.OrderApplicationService, gatherer prometheus.Gatherer) *OrderHandler {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &OrderHandler{service: service, tracer: otel.Tracer(serviceName), gatherer: gatherer}
}

// RegisterRoutes 在 ServeMux 上注册所有路由
func (h *OrderHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.Handle("GET /metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))

	mux.HandleFunc("POST /orders", h.createOrder)
	mux.HandleFunc("GET /orders/{id}", h.getOrder)
	mux.HandleFunc("POST /orders/{id}/cancel", h.cancelOrder)
	mux.HandleFunc("POST /orders/{id}/payment", h.confirmPayment)
	mux.HandleFunc("GET /inventory/{itemId}", h.getInventory)
}

type errorResponse struct {
	Error   string                 `json:"error"`
	Message string                 `json:"message"`
	Order   *application.OrderView `json:"order,omitempty"`
}

type paymentRequest struct {
	PaymentReference string `json:"paymentReference"`
}

func (h *OrderHandler) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	ctx, span := h.tracer.Start(ctx, "http.CreateOrder", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	var req application.CreateOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_request", Message: "malformed JSON body"})
		return
	}
	req.IdempotencyKey = strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
	span.SetAttributes(attribute.Bool("checkout.idempotent", req.IdempotencyKey != ""))

	view, err := h.service.CreateOrder(ctx, &req)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	status := http.StatusCreated
	if view.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, view)
}

func (h *OrderHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	view, err := h.service.GetOrder(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *OrderHandler) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	ctx, span := h.tracer.Start(ctx, "http.CancelOrder", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	id := r.PathValue("id")
	view, err := h.service.CancelOrder(ctx, id)
	if err != nil {
		writeError(w, r, err, h.currentOrder(r, id, err))
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// confirmPayment 冲突时返回 409 和订单当前状态，支付方据此退款
func (h *OrderHandler) confirmPayment(w http.ResponseWriter, r *http.Request) {
	ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	ctx, span := h.tracer.Start(ctx, "http.ConfirmPayment", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	var req paymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_request", Message: "malformed JSON body"})
		return
	}
	id := r.PathValue("id")
	view, err := h.service.ConfirmPayment(ctx, id, req.PaymentReference)
	if err != nil {
		writeError(w, r, err, h.currentOrder(r, id, err))
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *OrderHandler) getInventory(w http.ResponseWriter, r *http.Request) {
	view, err := h.service.Available(r.Context(), r.PathValue("itemId"))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *OrderHandler) currentOrder(r *http.Request, id string, err error) *application.OrderView {
	if !errors.Is(err, domain.ErrOrderConflict) {
		return nil
	}
	view, getErr := h.service.GetOrder(r.Context(), id)
	if getErr != nil {
		return nil
	}
	return view
}

func writeError(w http.ResponseWriter, r *http.Request, err error, order *application.OrderView) {
	status, code := http.StatusInternalServerError, "internal_error"
	switch {
	case errors.Is(err, domain.ErrInvalidOrder):
		status, code = http.StatusBadRequest, "invalid_request"
	case errors.Is(err, domain.ErrOrderNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrInsufficientStock):
		status, code = http.StatusConflict, "insufficient_stock"
	case errors.Is(err, domain.ErrOrderConflict):
		status, code = http.StatusConflict, "order_conflict"
	case errors.Is(err, domain.ErrDuplicateRequest):
		status, code = http.StatusConflict, "duplicate_request"
	case errors.Is(err, domain.ErrTransactionFailure):
		status, code = http.StatusServiceUnavailable, "transaction_failure"
	}
	if status >= http.StatusInternalServerError {
		logger.Ctx(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	writeJSON(w, status, errorResponse{Error: code, Message: err.Error(), Order: order})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
