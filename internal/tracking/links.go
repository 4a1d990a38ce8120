package tracking

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/angelmondragon/engagement-dispatch/pkg/config"
)

const linkIssuer = "engagement-dispatch/tracking"

var (
	signingMethod = jwt.SigningMethodHS256
	hrefPattern   = regexp.MustCompile(`(?i)href\s*=\s*"(https?://[^"]+)"`)
)

// ClickClaims is the payload of a signed click-redirect token.
type ClickClaims struct {
	LogID uuid.UUID `json:"log_id"`
	URL   string    `json:"url"`
	jwt.RegisteredClaims
}

// Links builds the tracking URLs embedded in delivered messages.
type Links struct {
	baseURL string
	secret  []byte
	ttl     time.Duration
	now     func() time.Time
}

func NewLinks(cfg config.TrackingConfig) (*Links, error) {
	if strings.TrimSpace(cfg.Secret) == "" {
		return nil, fmt.Errorf("tracking secret is required")
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if _, err := url.ParseRequestURI(base); err != nil || base == "" {
		return nil, fmt.Errorf("tracking base url %q is invalid", cfg.BaseURL)
	}
	ttl := cfg.LinkTTL
	if ttl <= 0 {
		ttl = 90 * 24 * time.Hour
	}
	return &Links{baseURL: base, secret: []byte(cfg.Secret), ttl: ttl, now: time.Now}, nil
}

// OpenURL is the 1x1 beacon for a delivery.
func (l *Links) OpenURL(logID uuid.UUID) string {
	return l.baseURL + "/t/o/" + logID.String()
}

// FeedbackURL is where a recipient votes on a delivery.
func (l *Links) FeedbackURL(logID uuid.UUID) string {
	return l.baseURL + "/t/f/" + logID.String()
}

// ClickURL wraps target in a signed redirect bound to the delivery.
func (l *Links) ClickURL(logID uuid.UUID, target string) (string, error) {
	now := l.now()
	claims := ClickClaims{
		LogID: logID,
		URL:   target,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    linkIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(l.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(signingMethod, claims).SignedString(l.secret)
	if err != nil {
		return "", fmt.Errorf("signing click token: %w", err)
	}
	return l.baseURL + "/t/c/" + signed, nil
}

// ParseClick validates a click token and returns its claims.
func (l *Links) ParseClick(token string) (*ClickClaims, error) {
	claims := &ClickClaims{}
	_, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (any, error) {
			if t.Method != signingMethod {
				return nil, fmt.Errorf("unexpected signing method %s", t.Header["alg"])
			}
			return l.secret, nil
		},
		jwt.WithValidMethods([]string{signingMethod.Alg()}),
		jwt.WithIssuer(linkIssuer),
		jwt.WithTimeFunc(l.now),
	)
	if err != nil {
		return nil, err
	}
	if claims.LogID == uuid.Nil || claims.URL == "" {
		return nil, fmt.Errorf("click token missing log id or url")
	}
	return claims, nil
}

// DecorateHTML rewrites absolute links through the click redirect and appends
// the open beacon.
func (l *Links) DecorateHTML(body string, logID uuid.UUID) (string, error) {
	var firstErr error
	rewritten := hrefPattern.ReplaceAllStringFunc(body, func(match string) string {
		target := hrefPattern.FindStringSubmatch(match)[1]
		wrapped, err := l.ClickURL(logID, target)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return match
		}
		return `href="` + wrapped + `"`
	})
	if firstErr != nil {
		return "", firstErr
	}
	beacon := fmt.Sprintf(`<img src="%s" width="1" height="1" alt="" style="display:none">`, l.OpenURL(logID))
	return rewritten + beacon, nil
}
