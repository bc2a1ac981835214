package middleware

import (
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/openrating/openrating/pkg/utils"
)

const (
	// ContextTokenSub is the gin context key holding the authenticated
	// subject. ContextScopes holds the token's scope set.
	ContextTokenSub = "token_sub"
	ContextScopes   = "token_scopes"

	// DevSubject is injected when AUTH_DISABLE is set. It carries every
	// scope; grant checks still apply unless the store says otherwise.
	DevSubject = "dev:local"
)

// Authenticator validates bearer tokens. Two verification paths: an HS256
// shared secret for local development and Auth0 RS256 with keys fetched
// from the tenant's JWKS endpoint. JWKS fetches go through a circuit
// breaker so a flapping identity provider cannot stall every request.
type Authenticator struct {
	devSecret   string
	auth0Domain string
	audience    string
	disabled    bool

	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	logger     *logrus.Logger

	mu   sync.RWMutex
	keys map[string]*rsa.PublicKey
}

func NewAuthenticator(devSecret, auth0Domain, audience string, disabled bool, logger *logrus.Logger) *Authenticator {
	a := &Authenticator{
		devSecret:   devSecret,
		auth0Domain: strings.TrimSuffix(auth0Domain, "/"),
		audience:    audience,
		disabled:    disabled,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		logger:      logger,
		keys:        make(map[string]*rsa.PublicKey),
	}
	a.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "auth0-jwks",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("JWKS circuit breaker state change")
		},
	})
	return a
}

type tokenClaims struct {
	Scope string `json:"scope"`
	jwt.RegisteredClaims
}

// Required authenticates the request and stores subject + scopes on the
// context. With auth disabled it injects the wildcard dev subject.
func (a *Authenticator) Required() gin.HandlerFunc {
	return func(c *gin.Context) {
		if a.disabled {
			c.Set(ContextTokenSub, DevSubject)
			c.Set(ContextScopes, map[string]bool{"*": true})
			c.Next()
			return
		}

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			utils.SendUnauthorized(c, utils.ErrCodeMissingToken, "Authorization header required")
			c.Abort()
			return
		}
		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		if tokenString == authHeader || tokenString == "" {
			utils.SendUnauthorized(c, utils.ErrCodeMissingToken, "Bearer token required")
			c.Abort()
			return
		}

		claims, err := a.verify(tokenString)
		if err != nil {
			utils.SendUnauthorized(c, utils.ErrCodeInvalidToken, err.Error())
			c.Abort()
			return
		}

		scopes := make(map[string]bool)
		for _, s := range strings.Fields(claims.Scope) {
			scopes[s] = true
		}
		c.Set(ContextTokenSub, claims.Subject)
		c.Set(ContextScopes, scopes)
		c.Next()
	}
}

// RequireScope gates a route on one scope. Runs after Required.
func RequireScope(scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, ok := c.Get(ContextScopes)
		if !ok {
			utils.SendUnauthorized(c, utils.ErrCodeMissingToken, "authentication required")
			c.Abort()
			return
		}
		scopes := raw.(map[string]bool)
		if !scopes["*"] && !scopes[scope] {
			utils.SendForbidden(c, utils.ErrCodeInsufficientScope, "token lacks scope "+scope)
			c.Abort()
			return
		}
		c.Next()
	}
}

// TokenSub returns the authenticated subject stored by Required.
func TokenSub(c *gin.Context) string {
	if sub, ok := c.Get(ContextTokenSub); ok {
		return sub.(string)
	}
	return ""
}

func (a *Authenticator) verify(tokenString string) (*tokenClaims, error) {
	claims := &tokenClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		switch token.Method.(type) {
		case *jwt.SigningMethodHMAC:
			if a.devSecret == "" {
				return nil, fmt.Errorf("HS256 tokens not accepted")
			}
			return []byte(a.devSecret), nil
		case *jwt.SigningMethodRSA:
			if a.auth0Domain == "" {
				return nil, fmt.Errorf("RS256 tokens not accepted")
			}
			kid, _ := token.Header["kid"].(string)
			if kid == "" {
				return nil, fmt.Errorf("token missing kid header")
			}
			return a.publicKey(kid)
		default:
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if a.audience != "" {
		found := false
		for _, aud := range claims.Audience {
			if aud == a.audience {
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("token audience mismatch")
		}
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("token missing subject")
	}
	return claims, nil
}

type jwksResponse struct {
	Keys []jwk `json:"keys"`
}

type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
}

func (a *Authenticator) publicKey(kid string) (*rsa.PublicKey, error) {
	a.mu.RLock()
	key, ok := a.keys[kid]
	a.mu.RUnlock()
	if ok {
		return key, nil
	}

	result, err := a.breaker.Execute(func() (interface{}, error) {
		return a.fetchJWKS()
	})
	if err != nil {
		return nil, fmt.Errorf("JWKS fetch failed: %w", err)
	}

	keys := result.(map[string]*rsa.PublicKey)
	a.mu.Lock()
	for id, k := range keys {
		a.keys[id] = k
	}
	key, ok = a.keys[kid]
	a.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no key with kid %s", kid)
	}
	return key, nil
}

func (a *Authenticator) fetchJWKS() (map[string]*rsa.PublicKey, error) {
	url := fmt.Sprintf("https://%s/.well-known/jwks.json", a.auth0Domain)
	resp, err := a.httpClient.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("JWKS endpoint returned %d", resp.StatusCode)
	}

	var body jwksResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}

	keys := make(map[string]*rsa.PublicKey, len(body.Keys))
	for _, k := range body.Keys {
		if k.Kty != "RSA" {
			continue
		}
		pub, err := k.rsaPublicKey()
		if err != nil {
			a.logger.WithField("kid", k.Kid).WithError(err).Warn("Skipping unparsable JWKS key")
			continue
		}
		keys[k.Kid] = pub
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("JWKS contained no usable RSA keys")
	}
	return keys, nil
}

func (k jwk) rsaPublicKey() (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("decoding modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("decoding exponent: %w", err)
	}
	e := 0
	for _, b := range eBytes {
		e = e<<8 | int(b)
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: e,
	}, nil
}
