package handlers

import (
	"encoding/json"
	"math/big"
	"net/http"
	"regexp"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/coursechain/cvs/internal/application/enrollment"
	"github.com/coursechain/cvs/internal/application/purchase"
	"github.com/coursechain/cvs/internal/application/verifier"
	"github.com/coursechain/cvs/internal/domain"
)

var txHashPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

// PurchaseHandler exposes the purchase intent lifecycle plus a standalone
// verify-and-record endpoint for purchases made outside an intent.
type PurchaseHandler struct {
	coordinator *purchase.Coordinator
	verifier    *verifier.Verifier
	recorder    *enrollment.Recorder
	logger      zerolog.Logger
}

func NewPurchaseHandler(coordinator *purchase.Coordinator, verifier *verifier.Verifier, recorder *enrollment.Recorder, logger zerolog.Logger) *PurchaseHandler {
	return &PurchaseHandler{
		coordinator: coordinator,
		verifier:    verifier,
		recorder:    recorder,
		logger:      logger,
	}
}

type beginRequest struct {
	CourseID     uint64          `json:"course_id" binding:"required"`
	BuyerAddress string          `json:"buyer_address" binding:"required"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
}

// Begin handles POST /v1/purchases.
func (h *PurchaseHandler) Begin(c *gin.Context) {
	var req beginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !common.IsHexAddress(req.BuyerAddress) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid buyer_address"})
		return
	}

	intent, err := h.coordinator.Begin(c.Request.Context(), req.CourseID, req.BuyerAddress, req.Metadata)
	if err != nil {
		// An insufficient-funds intent is still returned so the client can
		// show the recorded failure.
		if intent != nil {
			c.JSON(http.StatusPaymentRequired, gin.H{
				"error":  err.Error(),
				"code":   domain.ErrorCode(err),
				"intent": intent,
			})
			return
		}
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"intent": intent})
}

// Get handles GET /v1/purchases/:intent_id.
func (h *PurchaseHandler) Get(c *gin.Context) {
	intent, err := h.coordinator.Get(c.Request.Context(), c.Param("intent_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"intent": intent})
}

type attachTxRequest struct {
	TxHash string `json:"tx_hash" binding:"required"`
}

func (h *PurchaseHandler) bindTxHash(c *gin.Context) (string, bool) {
	var req attachTxRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return "", false
	}
	if !txHashPattern.MatchString(req.TxHash) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid tx_hash"})
		return "", false
	}
	return req.TxHash, true
}

// AttachApproval handles POST /v1/purchases/:intent_id/approval.
func (h *PurchaseHandler) AttachApproval(c *gin.Context) {
	txHash, ok := h.bindTxHash(c)
	if !ok {
		return
	}

	intent, err := h.coordinator.AttachApproval(c.Request.Context(), c.Param("intent_id"), txHash)
	h.respondIntent(c, intent, err)
}

// AttachPurchase handles POST /v1/purchases/:intent_id/purchase.
func (h *PurchaseHandler) AttachPurchase(c *gin.Context) {
	txHash, ok := h.bindTxHash(c)
	if !ok {
		return
	}

	intent, err := h.coordinator.AttachPurchase(c.Request.Context(), c.Param("intent_id"), txHash)
	h.respondIntent(c, intent, err)
}

// Verify handles POST /v1/purchases/:intent_id/verify.
func (h *PurchaseHandler) Verify(c *gin.Context) {
	intent, err := h.coordinator.Verify(c.Request.Context(), c.Param("intent_id"))
	h.respondIntent(c, intent, err)
}

func (h *PurchaseHandler) respondIntent(c *gin.Context, intent *domain.PurchaseIntent, err error) {
	if err != nil {
		if intent != nil {
			status := http.StatusUnprocessableEntity
			if domain.Retryable(err) {
				status = http.StatusAccepted
			}
			c.JSON(status, gin.H{
				"error":  err.Error(),
				"code":   domain.ErrorCode(err),
				"intent": intent,
			})
			return
		}
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"intent": intent})
}

type standaloneVerifyRequest struct {
	TxHash      string `json:"tx_hash" binding:"required"`
	CourseID    uint64 `json:"course_id" binding:"required"`
	UserAddress string `json:"user_address" binding:"required"`
	Price       string `json:"price,omitempty"`
}

// VerifyStandalone handles POST /v1/purchases/verify: prove a transaction
// funds the claimed purchase and record the enrollment, without an intent.
// Used when the client drove the contract calls itself.
func (h *PurchaseHandler) VerifyStandalone(c *gin.Context) {
	var req standaloneVerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !common.IsHexAddress(req.UserAddress) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user_address"})
		return
	}
	if !txHashPattern.MatchString(req.TxHash) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid tx_hash"})
		return
	}

	expected := domain.ExpectedPurchase{
		CourseID: req.CourseID,
		Buyer:    req.UserAddress,
	}
	if req.Price != "" {
		price, ok := new(big.Int).SetString(req.Price, 10)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid price"})
			return
		}
		expected.Price = price
	}

	verified, err := h.verifier.Verify(c.Request.Context(), req.TxHash, expected)
	if err != nil {
		respondError(c, err)
		return
	}

	record, err := h.recorder.Record(c.Request.Context(), verified, nil)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"verified":   verified,
		"enrollment": record,
	})
}
