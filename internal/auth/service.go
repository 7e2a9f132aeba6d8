// Package auth issues and validates the JWT bearer tokens protecting
// the local control API.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/halcyonlab/persistguard/internal/models"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUserNotFound       = errors.New("user not found")
	ErrInactiveUser       = errors.New("user is inactive")
	ErrInvalidToken       = errors.New("invalid token")
)

const tokenLifetime = 24 * time.Hour

// Service provides authentication functionality
type Service struct {
	db     *gorm.DB
	secret []byte
	log    *zap.Logger
}

// NewService creates an authentication service. An empty secret falls
// back to a development-only value.
func NewService(db *gorm.DB, secret string, log *zap.Logger) *Service {
	if secret == "" {
		secret = "default_secret_for_dev"
		log.Warn("using default JWT secret, set JWT_SECRET for production")
	}
	return &Service{db: db, secret: []byte(secret), log: log.Named("auth")}
}

// Claims represents JWT claims
type Claims struct {
	UserID   uint   `json:"user_id"`
	Username string `json:"username"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// GenerateToken generates a JWT token for a user
func (s *Service) GenerateToken(user *models.User) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID:   user.ID,
		Username: user.Username,
		Role:     user.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenLifetime)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    "persistguard",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// ValidateToken validates a JWT token and returns the associated user
func (s *Service) ValidateToken(tokenString string) (*models.User, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	var user models.User
	result := s.db.Where("id = ? AND is_active = ?", claims.UserID, true).First(&user)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, result.Error
	}
	return &user, nil
}

// AuthenticateUser authenticates a user with username and password
func (s *Service) AuthenticateUser(username, password string) (*models.User, error) {
	var user models.User
	result := s.db.Where("username = ?", username).First(&user)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, result.Error
	}

	if !user.IsActive {
		return nil, ErrInactiveUser
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return &user, nil
}

// CreateUser creates a new user account
func (s *Service) CreateUser(username, password, role string) (*models.User, error) {
	var existing models.User
	result := s.db.Where("username = ?", username).First(&existing)
	if result.Error == nil {
		return nil, fmt.Errorf("user %q already exists", username)
	} else if !errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, result.Error
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	user := &models.User{
		Username: username,
		Password: string(hashed),
		Role:     role,
		IsActive: true,
	}
	if result := s.db.Create(user); result.Error != nil {
		return nil, result.Error
	}
	return user, nil
}

// RefreshToken generates a new token with extended validity
func (s *Service) RefreshToken(tokenString string) (string, error) {
	user, err := s.ValidateToken(tokenString)
	if err != nil {
		return "", err
	}
	return s.GenerateToken(user)
}

// EnsureAdmin creates the initial admin account when no users exist.
// Returns the generated user, or nil when accounts already exist.
func (s *Service) EnsureAdmin(username, password string) (*models.User, error) {
	var count int64
	if result := s.db.Model(&models.User{}).Count(&count); result.Error != nil {
		return nil, result.Error
	}
	if count > 0 {
		return nil, nil
	}
	return s.CreateUser(username, password, "admin")
}
