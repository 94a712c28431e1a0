package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/setof/checkout-pipeline/internal/core/domain"
	"github.com/setof/checkout-pipeline/internal/core/service"
)

type HTTPHandler struct {
	checkoutService *service.CheckoutService
}

type CheckoutItemRequest struct {
	ProductID   string `json:"product_id"`
	StockID     string `json:"stock_id"`
	SellerID    string `json:"seller_id"`
	ProductName string `json:"product_name"`
	Quantity    int    `json:"quantity"`
	UnitPrice   int64  `json:"unit_price"`
}

type ShippingAddressRequest struct {
	ReceiverName  string `json:"receiver_name"`
	ReceiverPhone string `json:"receiver_phone"`
	Address       string `json:"address"`
	AddressDetail string `json:"address_detail"`
	ZipCode       string `json:"zip_code"`
	Memo          string `json:"memo"`
}

type StartCheckoutRequest struct {
	MemberID     string                 `json:"member_id"`
	Items        []CheckoutItemRequest  `json:"items"`
	Shipping     ShippingAddressRequest `json:"shipping"`
	ExpiresInMin int                    `json:"expires_in_minutes"`
}

type StartCheckoutResponse struct {
	CheckoutID  string    `json:"checkout_id"`
	PaymentID   string    `json:"payment_id"`
	TotalAmount int64     `json:"total_amount"`
	ExpiresAt   time.Time `json:"expires_at"`
}

type CompleteCheckoutRequest struct {
	PaymentID      string `json:"payment_id"`
	GatewayTxID    string `json:"gateway_transaction_id"`
	ApprovedAmount int64  `json:"approved_amount"`
}

type CompleteCheckoutResponse struct {
	CheckoutID string   `json:"checkout_id"`
	PaymentID  string   `json:"payment_id"`
	OrderIDs   []string `json:"order_ids"`
	Replayed   bool     `json:"replayed"`
}

type CancelCheckoutRequest struct {
	CheckoutID string `json:"checkout_id"`
}

type CancelCheckoutResponse struct {
	CheckoutID string `json:"checkout_id"`
	Status     string `json:"status"`
}

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewHTTPHandler(checkoutService *service.CheckoutService) *HTTPHandler {
	return &HTTPHandler{checkoutService: checkoutService}
}

func (h *HTTPHandler) StartCheckout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req StartCheckoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}
	if req.MemberID == "" || len(req.Items) == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "member_id and items are required")
		return
	}

	items := make([]domain.CheckoutItem, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, domain.CheckoutItem{
			ProductID:   item.ProductID,
			StockID:     item.StockID,
			SellerID:    item.SellerID,
			ProductName: item.ProductName,
			Quantity:    item.Quantity,
			UnitPrice:   item.UnitPrice,
		})
	}
	shipping := domain.ShippingAddress{
		ReceiverName:  req.Shipping.ReceiverName,
		ReceiverPhone: req.Shipping.ReceiverPhone,
		Address:       req.Shipping.Address,
		AddressDetail: req.Shipping.AddressDetail,
		ZipCode:       req.Shipping.ZipCode,
		Memo:          req.Shipping.Memo,
	}

	result, err := h.checkoutService.StartCheckout(r.Context(), req.MemberID, items, shipping,
		time.Duration(req.ExpiresInMin)*time.Minute)
	if err != nil {
		if errors.Is(err, domain.ErrNoCheckoutItems) || errors.Is(err, domain.ErrInvalidCheckoutItem) {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
		return
	}

	writeJSON(w, http.StatusCreated, StartCheckoutResponse{
		CheckoutID:  result.CheckoutID,
		PaymentID:   result.PaymentID,
		TotalAmount: result.TotalAmount,
		ExpiresAt:   result.ExpiresAt,
	})
}

// CompleteCheckout is the inbound surface for both the gateway webhook and
// the client confirmation endpoint.
func (h *HTTPHandler) CompleteCheckout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req CompleteCheckoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}
	if req.PaymentID == "" || req.GatewayTxID == "" || req.ApprovedAmount <= 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "missing required fields")
		return
	}

	result, err := h.checkoutService.CompleteCheckout(r.Context(), req.PaymentID, req.GatewayTxID, req.ApprovedAmount)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrCompletionInProgress):
			// Not a failure: the caller (webhook redelivery) retries later.
			writeError(w, http.StatusConflict, "in_progress", "completion already in progress")
		case errors.Is(err, service.ErrPaymentNotFound), errors.Is(err, service.ErrCheckoutNotFound):
			writeError(w, http.StatusNotFound, "not_found", "payment or checkout not found")
		case errors.Is(err, service.ErrInvalidState):
			writeError(w, http.StatusConflict, "invalid_state", "checkout is no longer completable")
		case errors.Is(err, service.ErrInsufficientStock):
			writeError(w, http.StatusGone, "insufficient_stock", "sold out")
		case errors.Is(err, service.ErrAmountMismatch):
			writeError(w, http.StatusUnprocessableEntity, "amount_mismatch", "approved amount does not match checkout total")
		default:
			writeError(w, http.StatusInternalServerError, "internal", "internal error")
		}
		return
	}

	writeJSON(w, http.StatusOK, CompleteCheckoutResponse{
		CheckoutID: result.CheckoutID,
		PaymentID:  result.PaymentID,
		OrderIDs:   result.OrderIDs,
		Replayed:   result.Replayed,
	})
}

func (h *HTTPHandler) CancelCheckout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req CancelCheckoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}
	if req.CheckoutID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "checkout_id is required")
		return
	}

	if err := h.checkoutService.CancelCheckout(r.Context(), req.CheckoutID); err != nil {
		switch {
		case errors.Is(err, service.ErrCompletionInProgress):
			writeError(w, http.StatusConflict, "in_progress", "completion already in progress")
		case errors.Is(err, service.ErrCheckoutNotFound):
			writeError(w, http.StatusNotFound, "not_found", "checkout not found")
		case errors.Is(err, service.ErrInvalidState):
			writeError(w, http.StatusConflict, "invalid_state", "checkout is no longer cancellable")
		default:
			writeError(w, http.StatusInternalServerError, "internal", "internal error")
		}
		return
	}

	writeJSON(w, http.StatusOK, CancelCheckoutResponse{
		CheckoutID: req.CheckoutID,
		Status:     string(domain.CheckoutStatusCancelled),
	})
}

func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Code: code, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
