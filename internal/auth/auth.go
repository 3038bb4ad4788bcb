package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/borderdesk/borderdesk/internal/circuitbreaker"
	ometrics "github.com/borderdesk/borderdesk/internal/metrics"
)

// Identity is the resolved caller.
type Identity struct {
	Username string
	UserID   int64
}

// Service validates bearer tokens against the external auth service, with a
// short TTL cache. When no external service is configured and a dev secret is
// set, tokens are verified locally as HS256 JWTs.
type Service struct {
	baseURL   string
	devSecret string
	cacheTTL  time.Duration
	httpw     *circuitbreaker.HTTPWrapper
	logger    *zap.Logger

	mu    sync.Mutex
	cache map[string]cachedIdentity
}

type cachedIdentity struct {
	id      Identity
	expires time.Time
}

func NewService(baseURL, devSecret string, cacheTTL time.Duration, logger *zap.Logger) *Service {
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Minute
	}
	httpClient := &http.Client{Timeout: 5 * time.Second}
	return &Service{
		baseURL:   baseURL,
		devSecret: devSecret,
		cacheTTL:  cacheTTL,
		httpw:     circuitbreaker.NewHTTPWrapper(httpClient, "auth", "auth", logger),
		logger:    logger,
		cache:     make(map[string]cachedIdentity),
	}
}

type validateResponse struct {
	Valid    bool   `json:"valid"`
	Username string `json:"username"`
	UserID   int64  `json:"userid"`
}

// Validate resolves a bearer token to an identity.
func (s *Service) Validate(ctx context.Context, token string) (Identity, error) {
	if token == "" {
		ometrics.TokenValidations.WithLabelValues("missing").Inc()
		return Identity{}, fmt.Errorf("auth: missing token")
	}

	s.mu.Lock()
	if c, ok := s.cache[token]; ok && time.Now().Before(c.expires) {
		s.mu.Unlock()
		ometrics.TokenValidations.WithLabelValues("cache_hit").Inc()
		return c.id, nil
	}
	s.mu.Unlock()

	var id Identity
	var err error
	if s.baseURL != "" {
		id, err = s.validateRemote(ctx, token)
	} else if s.devSecret != "" {
		id, err = s.validateLocal(token)
	} else {
		err = fmt.Errorf("auth: no validator configured")
	}
	if err != nil {
		ometrics.TokenValidations.WithLabelValues("invalid").Inc()
		return Identity{}, err
	}
	ometrics.TokenValidations.WithLabelValues("ok").Inc()

	s.mu.Lock()
	s.cache[token] = cachedIdentity{id: id, expires: time.Now().Add(s.cacheTTL)}
	s.mu.Unlock()
	return id, nil
}

func (s *Service) validateRemote(ctx context.Context, token string) (Identity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		strings.TrimSuffix(s.baseURL, "/")+"/validate", nil)
	if err != nil {
		return Identity{}, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := s.httpw.Do(req)
	if err != nil {
		return Identity{}, fmt.Errorf("auth: validation request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Identity{}, fmt.Errorf("auth: validation status %d", resp.StatusCode)
	}
	var vr validateResponse
	if err := json.NewDecoder(resp.Body).Decode(&vr); err != nil {
		return Identity{}, fmt.Errorf("auth: decode validation: %w", err)
	}
	if !vr.Valid {
		return Identity{}, fmt.Errorf("auth: token rejected")
	}
	return Identity{Username: vr.Username, UserID: vr.UserID}, nil
}

func (s *Service) validateLocal(token string) (Identity, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(s.devSecret), nil
	})
	if err != nil || !parsed.Valid {
		return Identity{}, fmt.Errorf("auth: invalid dev token: %w", err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return Identity{}, fmt.Errorf("auth: unexpected claims type")
	}
	id := Identity{}
	if v, ok := claims["username"].(string); ok {
		id.Username = v
	}
	if v, ok := claims["userid"].(float64); ok {
		id.UserID = int64(v)
	}
	return id, nil
}

// CheckSessionOwnership enforces that the session id's user prefix matches the
// caller. Prefixes that do not parse as an integer are legacy ids, allowed
// with a warning.
func (s *Service) CheckSessionOwnership(sessionID string, id Identity) error {
	prefix, _, found := strings.Cut(sessionID, "_")
	if !found {
		s.logger.Warn("Session id without user prefix, allowing as legacy",
			zap.String("session_id", sessionID))
		return nil
	}
	owner, err := strconv.ParseInt(prefix, 10, 64)
	if err != nil {
		s.logger.Warn("Session id prefix not numeric, allowing as legacy",
			zap.String("session_id", sessionID))
		return nil
	}
	if owner != id.UserID {
		return fmt.Errorf("auth: session %s does not belong to user %d", sessionID, id.UserID)
	}
	return nil
}

// MintSessionID builds a new session id for the caller.
func MintSessionID(id Identity, newUUID string) string {
	return fmt.Sprintf("%d_%s", id.UserID, newUUID)
}
