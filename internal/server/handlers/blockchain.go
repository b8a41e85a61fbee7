package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/coursechain/cvs/internal/application/strategist"
	"github.com/coursechain/cvs/internal/domain"
	"github.com/coursechain/cvs/internal/domain/interfaces"
	"github.com/coursechain/cvs/pkg/config"
	"github.com/coursechain/cvs/pkg/currency"
)

// BlockchainHandler exposes read endpoints routed through the strategist.
// Callers opt into gate semantics with ?purpose=transaction_gate; the default
// is a display read.
type BlockchainHandler struct {
	strategist *strategist.Strategist
	pricing    interfaces.PricingClient
	currency   *currency.CurrencyUtils
	config     *config.Config
	logger     zerolog.Logger
}

func NewBlockchainHandler(strategist *strategist.Strategist, pricing interfaces.PricingClient, config *config.Config, logger zerolog.Logger) *BlockchainHandler {
	return &BlockchainHandler{
		strategist: strategist,
		pricing:    pricing,
		currency:   currency.NewCurrencyUtils(),
		config:     config,
		logger:     logger,
	}
}

func readPurpose(c *gin.Context) domain.Purpose {
	if c.Query("purpose") == string(domain.PurposeTransactionGate) {
		return domain.PurposeTransactionGate
	}
	return domain.PurposeDisplay
}

func bindAddress(c *gin.Context) (common.Address, bool) {
	raw := c.Param("address")
	if !common.IsHexAddress(raw) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid address"})
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

// Balance handles GET /v1/blockchain/balance/:address. Display responses are
// annotated with a USD estimate when the rate lookup succeeds; the estimate
// is informational and its absence is not an error.
func (h *BlockchainHandler) Balance(c *gin.Context) {
	address, ok := bindAddress(c)
	if !ok {
		return
	}

	reading, err := h.strategist.Balance(c.Request.Context(), address, readPurpose(c))
	if err != nil {
		respondError(c, err)
		return
	}

	decimals := h.config.Chain.TokenDecimals
	response := gin.H{
		"address":  strings.ToLower(address.Hex()),
		"amount":   reading.Amount.String(),
		"display":  h.currency.FormatUnits(reading.Amount, decimals),
		"symbol":   h.config.Chain.TokenSymbol,
		"source":   reading.Source,
		"as_of":    reading.AsOf,
		"realtime": reading.Realtime,
		"stale":    reading.Stale,
	}

	if rate, err := h.pricing.GetExchangeRate(c.Request.Context(), h.config.Chain.TokenSymbol); err == nil {
		cents := h.currency.TokenToUSDCents(reading.Amount, decimals, rate)
		response["usd_estimate"] = h.currency.FormatUSD(cents)
	} else {
		h.logger.Warn().Err(err).Msg("USD estimate unavailable")
	}

	c.JSON(http.StatusOK, response)
}

// Instructor handles GET /v1/blockchain/instructor/:address.
func (h *BlockchainHandler) Instructor(c *gin.Context) {
	address, ok := bindAddress(c)
	if !ok {
		return
	}

	reading, err := h.strategist.IsInstructor(c.Request.Context(), address)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"address":       strings.ToLower(address.Hex()),
		"is_instructor": reading.Value,
		"source":        reading.Source,
		"as_of":         reading.AsOf,
	})
}

// Purchased handles GET /v1/blockchain/purchased/:course_id/:address.
func (h *BlockchainHandler) Purchased(c *gin.Context) {
	courseID, err := strconv.ParseUint(c.Param("course_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid course_id"})
		return
	}
	address, ok := bindAddress(c)
	if !ok {
		return
	}

	reading, err := h.strategist.HasPurchased(c.Request.Context(), courseID, address, readPurpose(c))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"address":   strings.ToLower(address.Hex()),
		"course_id": courseID,
		"purchased": reading.Value,
		"source":    reading.Source,
		"as_of":     reading.AsOf,
		"realtime":  reading.Realtime,
	})
}

// Purchases handles GET /v1/blockchain/purchases/:address.
func (h *BlockchainHandler) Purchases(c *gin.Context) {
	address, ok := bindAddress(c)
	if !ok {
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	events, err := h.strategist.PurchaseHistory(c.Request.Context(), address, limit, offset)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"address":   strings.ToLower(address.Hex()),
		"purchases": events,
		"count":     len(events),
	})
}
