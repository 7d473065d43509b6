package bridge

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const tokenIssuer = "proctord"

// Claims bind a bridge token to one student and evaluation.
type Claims struct {
	StudentID    string `json:"sid"`
	EvaluationID string `json:"eid"`
	jwt.RegisteredClaims
}

// ErrTokenMismatch is returned for a valid token issued for another attempt.
var ErrTokenMismatch = errors.New("bridge: token not issued for this attempt")

// IssueToken signs an HS256 token for the attempt.
func IssueToken(secret []byte, studentID, evaluationID string, ttl time.Duration, now time.Time) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("bridge: empty token secret")
	}
	claims := Claims{
		StudentID:    studentID,
		EvaluationID: evaluationID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   studentID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// ParseToken verifies a token and returns its claims.
func ParseToken(secret []byte, token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("bridge: invalid token: %w", err)
	}
	if !parsed.Valid {
		return nil, errors.New("bridge: invalid token")
	}
	return claims, nil
}

// bearer extracts the token from the Authorization header, falling back to
// the token query parameter browsers use for WebSocket upgrades.
func bearer(c *gin.Context) string {
	auth := c.GetHeader("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return c.Query("token")
}

// authMiddleware rejects requests without a token bound to this attempt.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		tok := bearer(c)
		if tok == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
			return
		}
		claims, err := ParseToken(s.secret, tok)
		if err != nil {
			s.logger.Warn("bridge token rejected", "error", err, "remote", c.ClientIP())
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		if claims.StudentID != s.studentID || claims.EvaluationID != s.evaluationID {
			s.logger.Warn("bridge token rejected", "error", ErrTokenMismatch, "remote", c.ClientIP())
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": ErrTokenMismatch.Error()})
			return
		}
		c.Set("claims", claims)
		c.Next()
	}
}
