package services

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/laviprog/speech-transcription/internal/models"
	postgresrepo "github.com/laviprog/speech-transcription/internal/repositories/postgres"
	"github.com/laviprog/speech-transcription/internal/utils"
)

type UserService interface {
	Create(ctx context.Context, username, password, role string) (*models.User, error)
	Authenticate(ctx context.Context, username, password string) (*models.User, error)
	EnsureDefaultAdmin(ctx context.Context, username, password string) error
}

type userService struct {
	users postgresrepo.UserRepository
	log   *logrus.Logger
}

func NewUserService(users postgresrepo.UserRepository, log *logrus.Logger) UserService {
	return &userService{users: users, log: log}
}

func (s *userService) Create(ctx context.Context, username, password, role string) (*models.User, error) {
	const op = "UserService.Create"

	if username == "" || password == "" {
		return nil, utils.E(utils.CodeInvalidArgument, op, "username and password are required", nil)
	}
	if role == "" {
		role = models.RoleUser
	}
	if role != models.RoleUser && role != models.RoleAdmin {
		return nil, utils.E(utils.CodeInvalidArgument, op, "role must be user or admin", nil)
	}

	if _, err := s.users.GetByUsername(ctx, username); err == nil {
		return nil, utils.E(utils.CodeConflict, op, "username already taken", nil)
	} else if !errors.Is(err, utils.ErrNotFound) {
		return nil, utils.E(utils.CodeInternal, op, "failed to check username", err)
	}

	hash, err := utils.HashPassword(password)
	if err != nil {
		return nil, utils.E(utils.CodeInternal, op, "failed to hash password", err)
	}

	user := &models.User{
		ID:        uuid.NewString(),
		Username:  username,
		Password:  hash,
		Role:      role,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.users.Create(ctx, user); err != nil {
		return nil, utils.E(utils.CodeInternal, op, "failed to create user", err)
	}
	return user, nil
}

func (s *userService) Authenticate(ctx context.Context, username, password string) (*models.User, error) {
	const op = "UserService.Authenticate"

	user, err := s.users.GetByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, utils.ErrNotFound) {
			return nil, utils.E(utils.CodeUnauthorized, op, "invalid credentials", nil)
		}
		return nil, utils.E(utils.CodeInternal, op, "failed to load user", err)
	}
	if err := utils.CheckPassword(user.Password, password); err != nil {
		return nil, utils.E(utils.CodeUnauthorized, op, "invalid credentials", nil)
	}
	return user, nil
}

// EnsureDefaultAdmin creates the bootstrap admin account once.
func (s *userService) EnsureDefaultAdmin(ctx context.Context, username, password string) error {
	_, err := s.users.GetByUsername(ctx, username)
	if err == nil {
		s.log.WithField("username", username).Info("default admin already exists")
		return nil
	}
	if !errors.Is(err, utils.ErrNotFound) {
		return err
	}

	if _, err := s.Create(ctx, username, password, models.RoleAdmin); err != nil {
		return err
	}
	s.log.WithField("username", username).Info("default admin created")
	return nil
}
