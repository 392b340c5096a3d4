package auth

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/ksred/carquote-api/internal/types"
	"github.com/ksred/carquote-api/pkg/response"
)

var (
	ErrInvalidCredentials = errors.New("invalid API credentials")
	ErrTokenGeneration    = errors.New("failed to generate token")
	ErrInvalidToken       = errors.New("invalid token")
)

// DevCredential is an API key pair registered for local development
type DevCredential struct {
	APIKey    string
	APISecret string
	Principal types.Principal
}

// DevCredentials are registered by the server outside production
var DevCredentials = []DevCredential{
	{"buyer-test-key", "buyer-test-secret", types.Principal{ID: "buyer-1", Role: types.RoleBuyer}},
	{"dealer-test-key", "dealer-test-secret", types.Principal{ID: "dealer-1", Role: types.RoleDealer}},
	{"admin-test-key", "admin-test-secret", types.Principal{ID: "admin", Role: types.RoleAdmin}},
}

// Credentials represents the API authentication credentials
type Credentials struct {
	APIKey    string `json:"api_key" binding:"required"`
	APISecret string `json:"api_secret" binding:"required"`
}

// TokenResponse represents the JWT token response
type TokenResponse struct {
	Token      string    `json:"jwt_token"`
	Expiration time.Time `json:"expiration"`
}

// Claims represents the JWT claims structure. The subject is the principal id.
type Claims struct {
	jwt.RegisteredClaims
	Role types.Role `json:"role"`
}

type registration struct {
	secret    string
	principal types.Principal
}

// Service verifies identity-provider tokens. It can also mint tokens for registered
// API credentials, which local development and the simulator use in place of the
// real identity provider.
type Service struct {
	jwtSecret []byte
	tokenTTL  time.Duration

	mu          sync.RWMutex
	credentials map[string]registration // map[APIKey]registration
}

// NewService creates a new authentication service with the given JWT secret
func NewService(jwtSecret string) *Service {
	return &Service{
		jwtSecret:   []byte(jwtSecret),
		tokenTTL:    24 * time.Hour,
		credentials: make(map[string]registration),
	}
}

// RegisterAPICredentials binds an API key/secret pair to a principal
func (s *Service) RegisterAPICredentials(apiKey, apiSecret string, principal types.Principal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credentials[apiKey] = registration{secret: apiSecret, principal: principal}
}

// RegisterDevCredentials registers every DevCredentials entry
func (s *Service) RegisterDevCredentials() {
	for _, c := range DevCredentials {
		s.RegisterAPICredentials(c.APIKey, c.APISecret, c.Principal)
	}
}

// GenerateToken exchanges valid API credentials for a signed token
func (s *Service) GenerateToken(creds Credentials) (*TokenResponse, error) {
	s.mu.RLock()
	reg, ok := s.credentials[creds.APIKey]
	s.mu.RUnlock()
	if !ok || reg.secret != creds.APISecret {
		return nil, ErrInvalidCredentials
	}
	return s.IssueToken(reg.principal)
}

// IssueToken signs a token for the principal
func (s *Service) IssueToken(principal types.Principal) (*TokenResponse, error) {
	if principal.ID == "" || !principal.Role.Valid() {
		return nil, ErrTokenGeneration
	}

	now := time.Now()
	expiration := now.Add(s.tokenTTL)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   principal.ID,
			ExpiresAt: jwt.NewNumericDate(expiration),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
		Role: principal.Role,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return nil, ErrTokenGeneration
	}

	return &TokenResponse{
		Token:      tokenString,
		Expiration: expiration,
	}, nil
}

// ValidateToken verifies signature and expiry and returns the principal the token names
func (s *Service) ValidateToken(tokenString string) (types.Principal, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return types.Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return types.Principal{}, ErrInvalidToken
	}
	if claims.Subject == "" || !claims.Role.Valid() {
		return types.Principal{}, fmt.Errorf("%w: missing subject or role", ErrInvalidToken)
	}

	return types.Principal{ID: claims.Subject, Role: claims.Role}, nil
}

// GinHandlers contains HTTP handlers for authentication endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for authentication endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// GenerateTokenHandler handles POST requests to generate JWT tokens
// Request body should contain API credentials
func (h *GinHandlers) GenerateTokenHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var creds Credentials
		if err := c.ShouldBindJSON(&creds); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}

		token, err := h.service.GenerateToken(creds)
		if errors.Is(err, ErrInvalidCredentials) {
			response.Unauthorized(c, err.Error())
			return
		}
		response.Handle(c, token, err)
	}
}
