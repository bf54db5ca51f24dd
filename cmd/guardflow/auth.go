package main

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/BaSui01/guardflow/api/handlers"
	"github.com/BaSui01/guardflow/config"
	"github.com/BaSui01/guardflow/types"
)

// authenticator returns the request subject, or ok == false with a message
// for the 401 response.
type authenticator func(r *http.Request) (subject string, msg string, ok bool)

// authMiddleware skips exempt paths and stores the subject on success.
func authMiddleware(skipPaths []string, authenticate authenticator) Middleware {
	skip := toSet(skipPaths)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := skip[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}
			subject, msg, ok := authenticate(r)
			if !ok {
				handlers.WriteErrorMessage(w, http.StatusUnauthorized, types.ErrUnauthorized, msg, nil)
				return
			}
			ctx := r.Context()
			if subject != "" {
				ctx = types.WithSubject(ctx, subject)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	return strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
}

// APIKeyAuth accepts X-API-Key or a bearer token. Keys are compared as
// SHA-256 digests; the subject is "key:" plus a short fingerprint, so the
// raw key never reaches logs or the audit trail.
func APIKeyAuth(validKeys []string, skipPaths []string, logger *zap.Logger) Middleware {
	digests := make([][sha256.Size]byte, len(validKeys))
	for i, k := range validKeys {
		digests[i] = sha256.Sum256([]byte(k))
	}

	return authMiddleware(skipPaths, func(r *http.Request) (string, string, bool) {
		key := r.Header.Get("X-API-Key")
		if key == "" {
			key, _ = bearerToken(r)
		}
		if key == "" {
			return "", "invalid or missing API key", false
		}
		sum := sha256.Sum256([]byte(key))
		match := 0
		for i := range digests {
			match |= subtle.ConstantTimeCompare(sum[:], digests[i][:])
		}
		if match != 1 {
			logger.Debug("API key rejected", zap.String("path", r.URL.Path))
			return "", "invalid or missing API key", false
		}
		return "key:" + keyFingerprint([]byte(key)), "", true
	})
}

// keyFingerprint 返回 key 的短哈希
func keyFingerprint(key []byte) string {
	sum := sha256.Sum256(key)
	return hex.EncodeToString(sum[:4])
}

// JWTAuth validates HS256 bearer tokens carrying an exp claim, plus issuer
// and audience when configured. The sub claim becomes the subject.
func JWTAuth(cfg config.AuthConfig, skipPaths []string, logger *zap.Logger) Middleware {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if cfg.JWTIssuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.JWTIssuer))
	}
	if cfg.JWTAudience != "" {
		opts = append(opts, jwt.WithAudience(cfg.JWTAudience))
	}
	parser := jwt.NewParser(opts...)

	secret := []byte(cfg.JWTSecret)
	keyFunc := func(*jwt.Token) (any, error) {
		if len(secret) == 0 {
			return nil, errors.New("HMAC secret not configured")
		}
		return secret, nil
	}

	return authMiddleware(skipPaths, func(r *http.Request) (string, string, bool) {
		raw, ok := bearerToken(r)
		if !ok {
			return "", "missing or malformed Authorization header", false
		}
		var claims jwt.RegisteredClaims
		token, err := parser.ParseWithClaims(raw, &claims, keyFunc)
		if err != nil || !token.Valid {
			logger.Debug("JWT validation failed", zap.Error(err))
			return "", "invalid or expired token", false
		}
		return claims.Subject, "", true
	})
}
