// Package auth checks bearer credentials on the API and the worker socket.
package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalid = errors.New("invalid token")

type Claims struct {
	jwt.RegisteredClaims
}

// Verifier accepts either the configured static token or an HS256 JWT
// signed with the configured secret. A Verifier with neither accepts
// everything.
type Verifier struct {
	token  string
	secret []byte
}

func NewVerifier(token, jwtSecret string) *Verifier {
	v := &Verifier{token: token}
	if jwtSecret != "" {
		v.secret = []byte(jwtSecret)
	}
	return v
}

// Enabled reports whether any credential is required.
func (v *Verifier) Enabled() bool {
	return v.token != "" || len(v.secret) > 0
}

// Generate signs a token for subject. It fails when no secret is configured.
func (v *Verifier) Generate(subject string, ttl time.Duration) (string, error) {
	if len(v.secret) == 0 {
		return "", errors.New("jwt secret not configured")
	}
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// Parse validates a JWT and returns its claims.
func (v *Verifier) Parse(tokenStr string) (*Claims, error) {
	if len(v.secret) == 0 {
		return nil, ErrInvalid
	}
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(_ *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return nil, ErrInvalid
	}
	if claims, ok := token.Claims.(*Claims); ok {
		return claims, nil
	}
	return nil, ErrInvalid
}

// Check validates the Authorization header of r.
func (v *Verifier) Check(r *http.Request) error {
	if !v.Enabled() {
		return nil
	}
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return ErrInvalid
	}
	tok := strings.TrimPrefix(h, "Bearer ")
	if v.token != "" && subtle.ConstantTimeCompare([]byte(tok), []byte(v.token)) == 1 {
		return nil
	}
	if _, err := v.Parse(tok); err != nil {
		return ErrInvalid
	}
	return nil
}

// Middleware aborts requests without a valid credential.
func (v *Verifier) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := v.Check(c.Request); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}
