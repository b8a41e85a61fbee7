package authservice

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/coursechain/cvs/internal/domain"
	"github.com/coursechain/cvs/pkg/config"
)

type AuthService struct {
	config *config.Config
	logger zerolog.Logger
}

func NewAuthService(config *config.Config, logger zerolog.Logger) IAuthService {
	return &AuthService{
		config: config,
		logger: logger,
	}
}

func (s *AuthService) IssueCourseAccessToken(ctx context.Context, userAddress string, courseID uint64) (string, error) {
	jwtSecret := s.config.JWT.Secret
	if jwtSecret == "" {
		s.logger.Error().Msg("JWT secret not configured")
		return "", fmt.Errorf("JWT secret not configured")
	}

	now := time.Now()
	claims := &domain.AccessClaim{
		UserAddress: strings.ToLower(userAddress),
		CourseID:    courseID,
		StandardClaims: jwt.StandardClaims{
			Id:        uuid.New().String(),
			Issuer:    s.config.JWT.Issuer,
			IssuedAt:  now.Unix(),
			ExpiresAt: now.Add(s.config.JWT.TokenTTL).Unix(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(jwtSecret))
	if err != nil {
		s.logger.Error().Err(err).Str("user", userAddress).Msg("Failed to sign access token")
		return "", fmt.Errorf("failed to sign access token: %v", err)
	}
	return signed, nil
}

func (s *AuthService) VerifyToken(ctx context.Context, tokenString string) (*domain.AccessClaim, error) {
	jwtSecret := s.config.JWT.Secret
	if jwtSecret == "" {
		s.logger.Error().Msg("JWT secret not configured")
		return nil, fmt.Errorf("JWT secret not configured")
	}

	token, err := jwt.ParseWithClaims(tokenString, &domain.AccessClaim{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(jwtSecret), nil
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to parse token")
		return nil, fmt.Errorf("failed to parse token: %v", err)
	}

	if !token.Valid {
		s.logger.Error().Msg("Invalid token")
		return nil, fmt.Errorf("invalid token")
	}

	claims, ok := token.Claims.(*domain.AccessClaim)
	if !ok {
		s.logger.Error().Msg("Invalid claims format")
		return nil, fmt.Errorf("invalid claims format")
	}

	if claims.ExpiresAt < time.Now().Unix() {
		s.logger.Error().Msg("Token expired")
		return nil, fmt.Errorf("token expired")
	}

	if claims.Issuer != s.config.JWT.Issuer {
		s.logger.Error().Msg("Invalid issuer")
		return nil, fmt.Errorf("invalid issuer")
	}

	return claims, nil
}
