// Package auth - jwt.go handles access token creation, signing, and verification
// using a shared HS256 secret, including lazy secret initialization and claims parsing.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SecretEnvVar names the environment variable holding the signing secret.
const SecretEnvVar = "ORGSVC_JWT_SECRET"

// DefaultTokenTTL applies when a caller passes a zero lifetime.
const DefaultTokenTTL = 30 * time.Minute

var (
	// jwtSecret holds the validated JWT secret
	jwtSecret     string
	jwtSecretOnce sync.Once
	jwtSecretErr  error
)

// Claims binds a token to an administrator (Subject) and to the name of the
// organization they administered when the token was issued.
type Claims struct {
	OrgName string `json:"org_name"`
	jwt.RegisteredClaims
}

// isDevMode checks if we're in development mode
func isDevMode() bool {
	devMode := os.Getenv("ORGSVC_DEV_MODE")
	ginMode := os.Getenv("GIN_MODE")

	return devMode == "true" || devMode == "1" || ginMode == "debug"
}

// generateRandomSecret creates a cryptographically secure random secret
func generateRandomSecret() string {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("dev-fallback-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}

// ValidateJWTSecret checks that the signing secret is properly configured.
// In production, this will fail if ORGSVC_JWT_SECRET is not set.
// In dev mode, it will generate a random secret and log a warning.
// Call this at application startup.
func ValidateJWTSecret() error {
	jwtSecretOnce.Do(func() {
		secret := os.Getenv(SecretEnvVar)

		if secret == "" {
			if isDevMode() {
				jwtSecret = generateRandomSecret()
				log.Printf("WARNING: %s not set. Using auto-generated secret for development.", SecretEnvVar)
				log.Printf("WARNING: Tokens will not survive restarts. Set %s for persistent tokens.", SecretEnvVar)
			} else {
				jwtSecretErr = fmt.Errorf("SECURITY ERROR: %s environment variable is required in production. "+
					"Generate a secure secret with: openssl rand -hex 32", SecretEnvVar)
			}
			return
		}

		if len(secret) < 32 {
			log.Printf("WARNING: %s is shorter than recommended 32 characters. Consider using a longer secret.", SecretEnvVar)
		}

		jwtSecret = secret
	})

	return jwtSecretErr
}

// GetJWTSecret retrieves the validated JWT secret.
// Panics if ValidateJWTSecret() hasn't been called or failed.
func GetJWTSecret() string {
	if jwtSecret == "" {
		if err := ValidateJWTSecret(); err != nil {
			panic(err)
		}
	}
	return jwtSecret
}

// GenerateJWT signs a token for the administrator email of orgName
func GenerateJWT(email, orgName, issuer string, expiresIn time.Duration) (string, error) {
	if strings.TrimSpace(email) == "" || strings.TrimSpace(orgName) == "" {
		return "", errors.New("email and organization name are required")
	}
	if expiresIn == 0 {
		expiresIn = DefaultTokenTTL
	}

	now := time.Now()
	claims := &Claims{
		OrgName: orgName,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   email,
			ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(GetJWTSecret()))
}

// ValidateJWT parses and validates a token, requiring an expiry and both the
// subject and org_name claims
func ValidateJWT(tokenString string) (*Claims, error) {
	secret := GetJWTSecret()

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())

	if err != nil {
		return nil, err
	}

	if !token.Valid {
		return nil, errors.New("invalid token")
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, errors.New("invalid claims type")
	}
	if claims.Subject == "" || claims.OrgName == "" {
		return nil, errors.New("token is missing sub or org_name")
	}

	return claims, nil
}

// ExtractBearerToken extracts the token from an Authorization header.
// Expected format: "Bearer <token>"
func ExtractBearerToken(header string) (string, error) {
	if header == "" {
		return "", errors.New("authorization header is empty")
	}

	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("authorization header must start with 'Bearer '")
	}

	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", errors.New("bearer token is empty")
	}
	return token, nil
}
