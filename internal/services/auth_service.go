package services

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/laviprog/speech-transcription/internal/models"
	postgresrepo "github.com/laviprog/speech-transcription/internal/repositories/postgres"
	"github.com/laviprog/speech-transcription/internal/utils"
)

type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

type AuthService interface {
	Login(ctx context.Context, username, password string) (TokenPair, error)
	Refresh(ctx context.Context, refreshToken string) (TokenPair, error)
}

type authClaims struct {
	jwt.RegisteredClaims
	Role string `json:"role,omitempty"`
}

type authService struct {
	users         UserService
	repo          postgresrepo.UserRepository
	secret        []byte
	refreshSecret []byte
	accessTTL     time.Duration
	refreshTTL    time.Duration
}

func NewAuthService(users UserService, repo postgresrepo.UserRepository, secret, refreshSecret string, accessTTL, refreshTTL time.Duration) AuthService {
	return &authService{
		users:         users,
		repo:          repo,
		secret:        []byte(secret),
		refreshSecret: []byte(refreshSecret),
		accessTTL:     accessTTL,
		refreshTTL:    refreshTTL,
	}
}

func (s *authService) Login(ctx context.Context, username, password string) (TokenPair, error) {
	user, err := s.users.Authenticate(ctx, username, password)
	if err != nil {
		return TokenPair{}, err
	}
	return s.issue(user)
}

func (s *authService) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	const op = "AuthService.Refresh"

	claims := &authClaims{}
	tok, err := jwt.ParseWithClaims(refreshToken, claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, jwt.ErrTokenSignatureInvalid
		}
		return s.refreshSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || tok == nil || !tok.Valid || claims.Subject == "" {
		return TokenPair{}, utils.E(utils.CodeUnauthorized, op, "invalid refresh token", err)
	}

	user, err := s.repo.GetByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, utils.ErrNotFound) {
			return TokenPair{}, utils.E(utils.CodeUnauthorized, op, "invalid refresh token", nil)
		}
		return TokenPair{}, utils.E(utils.CodeInternal, op, "failed to load user", err)
	}
	return s.issue(user)
}

func (s *authService) issue(user *models.User) (TokenPair, error) {
	const op = "AuthService.issue"
	now := time.Now().UTC()

	access := jwt.NewWithClaims(jwt.SigningMethodHS256, authClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.accessTTL)),
		},
		Role: user.Role,
	})
	accessStr, err := access.SignedString(s.secret)
	if err != nil {
		return TokenPair{}, utils.E(utils.CodeInternal, op, "failed to sign access token", err)
	}

	refresh := jwt.NewWithClaims(jwt.SigningMethodHS256, authClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.refreshTTL)),
		},
	})
	refreshStr, err := refresh.SignedString(s.refreshSecret)
	if err != nil {
		return TokenPair{}, utils.E(utils.CodeInternal, op, "failed to sign refresh token", err)
	}

	return TokenPair{AccessToken: accessStr, RefreshToken: refreshStr}, nil
}
