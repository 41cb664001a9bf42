package auth

import (
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

var (
	ErrTokenExpired = errors.New("token_expired")
	ErrTokenInvalid = errors.New("token_invalid")
	ErrMissingRole  = errors.New("missing_role_claim")
)

// Claims is the payload of every token. The role travels as an explicit claim
// so requests can be authorized without reloading it.
type Claims struct {
	Role       string  `json:"rol"`
	RoleID     *string `json:"rol_id"`
	AccountID  string  `json:"account_id,omitempty"`
	StudentID  string  `json:"student_id,omitempty"`
	PersonID   string  `json:"person_id,omitempty"`
	Email      string  `json:"email,omitempty"`
	NationalID string  `json:"ci,omitempty"`
	jwt.RegisteredClaims
}

// RoleClaim can only be built through NewRoleClaim, so a token cannot be
// issued without a role name.
type RoleClaim struct {
	name string
	id   *string
}

func NewRoleClaim(name string, id *string) (RoleClaim, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return RoleClaim{}, ErrMissingRole
	}
	return RoleClaim{name: name, id: id}, nil
}

func (r RoleClaim) Name() string { return r.name }

func (r RoleClaim) ID() *string { return r.id }

// Identity carries the identifiers written into a token.
type Identity struct {
	Subject    string
	AccountID  string
	StudentID  string
	PersonID   string
	Email      string
	NationalID string
}

type Options struct {
	Issuer          string
	TTL             time.Duration
	StrictRoleClaim bool
	Logger          logrus.FieldLogger
	// IntegrityFailures counts issued tokens whose role claim did not survive a re-parse.
	IntegrityFailures prometheus.Counter
}

type Tokens struct {
	method    jwt.SigningMethod
	signKey   interface{}
	verifyKey interface{}
	keyID     string
	opts      Options
	now       func() time.Time
	// encode is swapped in tests to simulate a payload that lost its role.
	encode func(Claims, map[string]interface{}) (jwt.MapClaims, error)
}

func NewHMACTokens(secret string, opts Options) (*Tokens, error) {
	if secret == "" {
		return nil, errors.New("missing_jwt_secret")
	}
	return newTokens(jwt.SigningMethodHS256, []byte(secret), []byte(secret), "", opts), nil
}

func NewRSATokens(privateKey *rsa.PrivateKey, publicKey *rsa.PublicKey, opts Options) (*Tokens, error) {
	if privateKey == nil || publicKey == nil {
		return nil, errors.New("missing_rsa_key")
	}
	kid, err := KeyID(publicKey)
	if err != nil {
		return nil, err
	}
	return newTokens(jwt.SigningMethodRS256, privateKey, publicKey, kid, opts), nil
}

func newTokens(method jwt.SigningMethod, signKey, verifyKey interface{}, kid string, opts Options) *Tokens {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Tokens{
		method:    method,
		signKey:   signKey,
		verifyKey: verifyKey,
		keyID:     kid,
		opts:      opts,
		now:       time.Now,
		encode:    encodeClaims,
	}
}

func (t *Tokens) TTL() time.Duration {
	return t.opts.TTL
}

// Issue signs a token for id with the given role. Extra claims never replace
// the reserved ones. The minted token is parsed back and a missing role claim
// is reported as a critical integrity fault; it only fails issuance when
// StrictRoleClaim is set.
func (t *Tokens) Issue(id Identity, role RoleClaim, extra map[string]interface{}) (string, *Claims, error) {
	if role.name == "" {
		return "", nil, ErrMissingRole
	}
	now := t.now().UTC()
	claims := Claims{
		Role:       role.name,
		RoleID:     role.id,
		AccountID:  id.AccountID,
		StudentID:  id.StudentID,
		PersonID:   id.PersonID,
		Email:      id.Email,
		NationalID: id.NationalID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   id.Subject,
			Issuer:    t.opts.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.opts.TTL)),
		},
	}

	payload, err := t.encode(claims, extra)
	if err != nil {
		return "", nil, err
	}
	token := jwt.NewWithClaims(t.method, payload)
	if t.keyID != "" {
		token.Header["kid"] = t.keyID
	}
	signed, err := token.SignedString(t.signKey)
	if err != nil {
		return "", nil, err
	}

	if err := t.checkRoleClaim(signed, claims); err != nil {
		return "", nil, err
	}
	return signed, &claims, nil
}

func (t *Tokens) checkRoleClaim(signed string, issued Claims) error {
	parsed, err := t.Parse(signed)
	if err == nil && parsed.Role != "" {
		return nil
	}
	if t.opts.IntegrityFailures != nil {
		t.opts.IntegrityFailures.Inc()
	}
	t.opts.Logger.WithFields(logrus.Fields{
		"event":    "token_role_claim_missing",
		"severity": "critical",
		"sub":      issued.Subject,
		"jti":      issued.ID,
		"expected": issued.Role,
	}).Error("issued token has no role claim")
	if t.opts.StrictRoleClaim {
		return ErrMissingRole
	}
	return nil
}

// Parse validates signature, algorithm, issuer and expiry.
func (t *Tokens) Parse(tokenString string) (*Claims, error) {
	return t.parse(tokenString)
}

// ParseForRefresh accepts a token that expired at most grace ago.
func (t *Tokens) ParseForRefresh(tokenString string, grace time.Duration) (*Claims, error) {
	return t.parse(tokenString, jwt.WithLeeway(grace))
}

func (t *Tokens) parse(tokenString string, extra ...jwt.ParserOption) (*Claims, error) {
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{t.method.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	}
	if t.opts.Issuer != "" {
		options = append(options, jwt.WithIssuer(t.opts.Issuer))
	}
	options = append(options, extra...)

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return t.verifyKey, nil
	}, options...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %v", ErrTokenExpired, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

func encodeClaims(claims Claims, extra map[string]interface{}) (jwt.MapClaims, error) {
	raw, err := json.Marshal(claims)
	if err != nil {
		return nil, err
	}
	payload := jwt.MapClaims{}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, err
	}
	for key, value := range extra {
		if _, reserved := payload[key]; reserved || isReservedClaim(key) {
			continue
		}
		payload[key] = value
	}
	return payload, nil
}

func isReservedClaim(key string) bool {
	switch key {
	case "rol", "rol_id", "sub", "exp", "iat", "nbf", "iss", "aud", "jti",
		"account_id", "student_id", "person_id", "email", "ci":
		return true
	default:
		return false
	}
}
