package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	authservice "github.com/coursechain/cvs/internal/application/auth"
	"github.com/coursechain/cvs/internal/application/enrollment"
	"github.com/coursechain/cvs/internal/application/strategist"
	"github.com/coursechain/cvs/internal/domain"
)

// AccessHandler decides whether a user may open course content. The decision
// read always goes to the chain; a passing check mints a short-lived access
// token so content requests do not re-read the chain every time.
type AccessHandler struct {
	strategist *strategist.Strategist
	authSvc    authservice.IAuthService
	recorder   *enrollment.Recorder
	logger     zerolog.Logger
}

func NewAccessHandler(strategist *strategist.Strategist, authSvc authservice.IAuthService, recorder *enrollment.Recorder, logger zerolog.Logger) *AccessHandler {
	return &AccessHandler{
		strategist: strategist,
		authSvc:    authSvc,
		recorder:   recorder,
		logger:     logger,
	}
}

type verifyAccessRequest struct {
	UserAddress string `json:"user_address" binding:"required"`
}

// VerifyAccess handles POST /v1/courses/:course_id/verify-access.
func (h *AccessHandler) VerifyAccess(c *gin.Context) {
	courseID, err := strconv.ParseUint(c.Param("course_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid course_id"})
		return
	}

	var req verifyAccessRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !common.IsHexAddress(req.UserAddress) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user_address"})
		return
	}
	user := common.HexToAddress(req.UserAddress)

	reading, err := h.strategist.HasPurchased(c.Request.Context(), courseID, user, domain.PurposeTransactionGate)
	if err != nil {
		respondError(c, err)
		return
	}

	if !reading.Value {
		c.JSON(http.StatusForbidden, gin.H{
			"has_access":     false,
			"needs_purchase": true,
			"course_id":      courseID,
			"source":         reading.Source,
			"as_of":          reading.AsOf,
		})
		return
	}

	token, err := h.authSvc.IssueCourseAccessToken(c.Request.Context(), user.Hex(), courseID)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to issue access token")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue access token"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"has_access":   true,
		"course_id":    courseID,
		"source":       reading.Source,
		"as_of":        reading.AsOf,
		"access_token": token,
	})
}

// Content handles GET /v1/courses/:course_id/content behind the auth
// middleware. It only checks that the token was minted for this course; the
// chain was already consulted when the token was issued.
func (h *AccessHandler) Content(c *gin.Context) {
	courseID := c.Param("course_id")
	tokenCourse := c.GetString("course_id")
	if tokenCourse != courseID {
		c.JSON(http.StatusForbidden, gin.H{"error": "token was not issued for this course"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"course_id":    courseID,
		"user_address": c.GetString("user_address"),
		"access":       "granted",
	})
}

// Enrollments handles GET /v1/enrollments/:address.
func (h *AccessHandler) Enrollments(c *gin.Context) {
	address := c.Param("address")
	if !common.IsHexAddress(address) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid address"})
		return
	}

	enrollments, err := h.recorder.List(c.Request.Context(), strings.ToLower(address))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"address":     strings.ToLower(address),
		"enrollments": enrollments,
		"count":       len(enrollments),
	})
}
