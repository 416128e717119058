package middleware

import (
	"crypto/rand"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

const (
	tokenDuration = 24 * time.Hour
	tokenIssuer   = "printbot"
)

type Claims struct {
	jwt.RegisteredClaims
	Authenticated bool `json:"authenticated"`
}

// Auth exchanges the shared API key for short-lived bearer tokens. With no
// key hash configured it is disabled and every request passes.
type Auth struct {
	keyHash []byte
	secret  []byte
	now     func() time.Time
}

type TokenRequest struct {
	APIKey string `json:"api_key" binding:"required"`
}

type TokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// NewAuth builds the authenticator. An empty jwtSecret gets a random one,
// which invalidates tokens on restart.
func NewAuth(apiKeyHash, jwtSecret string) (*Auth, error) {
	a := &Auth{keyHash: []byte(apiKeyHash), now: time.Now}
	if jwtSecret != "" {
		a.secret = []byte(jwtSecret)
		return a, nil
	}
	a.secret = make([]byte, 32)
	if _, err := rand.Read(a.secret); err != nil {
		return nil, err
	}
	return a, nil
}

// HashKey returns the bcrypt hash to configure as server.api_key_hash.
func HashKey(key string) (string, error) {
	if key == "" {
		return "", errors.New("api key is empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func (a *Auth) Enabled() bool { return len(a.keyHash) > 0 }

func (a *Auth) generateToken() (string, time.Time, error) {
	now := a.now()
	expires := now.Add(tokenDuration)
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
			Issuer:    tokenIssuer,
		},
		Authenticated: true,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	return signed, expires, err
}

func (a *Auth) validateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwt.WithIssuer(tokenIssuer), jwt.WithTimeFunc(a.now))
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, errors.New("invalid token")
}

func bearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	}
	// Browsers cannot set headers on websocket upgrades.
	return c.Query("access_token")
}

// TokenHandler serves POST /auth/token.
func (a *Auth) TokenHandler(c *gin.Context) {
	if !a.Enabled() {
		c.JSON(http.StatusNotFound, gin.H{"error": "authentication is disabled"})
		return
	}

	var req TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	if err := bcrypt.CompareHashAndPassword(a.keyHash, []byte(req.APIKey)); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid api key"})
		return
	}

	token, expires, err := a.generateToken()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate token"})
		return
	}
	c.JSON(http.StatusOK, TokenResponse{Token: token, ExpiresAt: expires})
}

func (a *Auth) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !a.Enabled() {
			c.Next()
			return
		}

		token := bearerToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}

		claims, err := a.validateToken(token)
		if err != nil || !claims.Authenticated {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
			return
		}

		c.Set("claims", claims)
		c.Next()
	}
}
