package handlers

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/bazaarline/api/internal/platform/httpx"
	"github.com/bazaarline/api/internal/platform/pagination"
	"github.com/bazaarline/api/internal/platform/requestctx"
	"github.com/bazaarline/api/internal/services"
)

// errorMapping pairs a service sentinel with its response. An empty message echoes the
// validation text of the error; every other mapping answers with its fixed message so store
// and repository details stay in the logs.
type errorMapping struct {
	target  error
	code    string
	status  int
	message string
}

var serviceErrorMappings = []errorMapping{
	{services.ErrOrderInvalidInput, "invalid_request", http.StatusBadRequest, ""},
	{services.ErrInventoryInvalidInput, "invalid_request", http.StatusBadRequest, ""},
	{services.ErrSettlementInvalidInput, "invalid_request", http.StatusBadRequest, ""},
	{services.ErrPaymentInvalidInput, "invalid_request", http.StatusBadRequest, ""},
	{pagination.ErrInvalidPageToken, "invalid_page_token", http.StatusBadRequest, "page token is invalid"},
	{pagination.ErrInvalidPageSize, "invalid_page_size", http.StatusBadRequest, "page size is invalid"},
	{services.ErrOrderNotFound, "order_not_found", http.StatusNotFound, "order not found"},
	{services.ErrSettlementNotFound, "settlement_not_found", http.StatusNotFound, "settlement not found"},
	{services.ErrInventoryProductNotFound, "product_not_found", http.StatusNotFound, "product not found"},
	{services.ErrOrderInvalidState, "order_invalid_state", http.StatusConflict, "order status does not allow this change"},
	{services.ErrOrderProductUnavailable, "product_unavailable", http.StatusConflict, "product is not available for purchase"},
	{services.ErrInventoryInsufficientStock, "insufficient_stock", http.StatusConflict, "not enough stock for the requested quantity"},
	{services.ErrSettlementLocked, "settlement_locked", http.StatusConflict, "settlement is already paid or failed"},
	{services.ErrSettlementInvalidState, "settlement_invalid_state", http.StatusConflict, "settlement status does not allow this change"},
	{services.ErrConcurrencyConflict, "conflict", http.StatusConflict, "resource was modified concurrently; retry with fresh data"},
	{services.ErrRepositoryUnavailable, "store_unavailable", http.StatusServiceUnavailable, "store is temporarily unavailable"},
	{context.DeadlineExceeded, "timeout", http.StatusGatewayTimeout, "request timed out"},
}

// writeServiceError maps service sentinels onto the error envelope. Unknown errors are logged
// and reported as 500 without leaking their text.
func writeServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	for _, mapping := range serviceErrorMappings {
		if errors.Is(err, mapping.target) {
			message := mapping.message
			if message == "" {
				message = err.Error()
			}
			if mapping.status >= http.StatusInternalServerError {
				requestctx.Logger(ctx).Warn("service dependency error", zap.String("code", mapping.code), zap.Error(err))
			}
			httpx.WriteError(ctx, w, httpx.NewError(mapping.code, message, mapping.status))
			return
		}
	}
	requestctx.Logger(ctx).Error("unhandled service error", zap.Error(err))
	httpx.WriteError(ctx, w, httpx.NewError("internal_error", "request could not be processed", http.StatusInternalServerError))
}
