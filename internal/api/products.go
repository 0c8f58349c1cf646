package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"go.docrelay.tech/internal/product"
)

// ProductBatchRequest is the inbound product batch request.
type ProductBatchRequest struct {
	Products []json.RawMessage `json:"products"`
}

// HandleCreateProductBatch handles POST /api/v1/products/batch
// @Summary Submit a product batch for classification
// @Description Creates one task per product; batch progress derives from the member tasks
// @Tags Products
// @Accept json
// @Produce json
// @Param request body ProductBatchRequest true "Product JSON objects"
// @Success 202 {object} product.Batch
// @Failure 400 {object} ErrorResponse
// @Security ApiKeyAuth
// @Router /api/v1/products/batch [post]
func (s *Server) HandleCreateProductBatch(w http.ResponseWriter, r *http.Request) {
	var req ProductBatchRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteBadRequest(w, "invalid request body")
		return
	}
	if len(req.Products) == 0 {
		WriteBadRequest(w, "product list cannot be empty")
		return
	}
	if len(req.Products) > s.config.MaxProductBatch {
		WriteBadRequest(w, fmt.Sprintf("too many products in batch, maximum is %d", s.config.MaxProductBatch))
		return
	}

	batch, err := s.products.CreateBatch(r.Context(), req.Products)
	if err != nil {
		s.logger.Error("failed to create product batch", "error", err)
		WriteInternalError(w, "failed to create product batch")
		return
	}

	WriteJSON(w, http.StatusAccepted, batch)
}

// HandleProductBatchStatus handles GET /api/v1/products/batch/{batchID}
// @Summary Get product batch status
// @Description Returns the batch snapshot; enriched products are included only once the batch is terminal
// @Tags Products
// @Produce json
// @Param batchID path string true "Batch ID"
// @Param include_products query bool false "Include the enriched product blobs"
// @Success 200 {object} product.Batch
// @Failure 404 {object} ErrorResponse
// @Security ApiKeyAuth
// @Router /api/v1/products/batch/{batchID} [get]
func (s *Server) HandleProductBatchStatus(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batchID")
	includeProducts, _ := strconv.ParseBool(r.URL.Query().Get("include_products"))

	batch, err := s.products.Status(r.Context(), batchID, includeProducts)
	if errors.Is(err, product.ErrNotFound) {
		WriteNotFound(w, fmt.Sprintf("batch %s not found", batchID))
		return
	}
	if err != nil {
		s.logger.Error("failed to get product batch", "batchId", batchID, "error", err)
		WriteInternalError(w, "failed to get product batch status")
		return
	}

	WriteJSON(w, http.StatusOK, batch)
}
