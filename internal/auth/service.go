package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/crypto/bcrypt"
)

// Objects and actions checked by the API.
const (
	ObjCountries = "countries"
	ObjStatus    = "status"

	ActRead  = "read"
	ActWrite = "write"
)

var ErrInvalidKey = errors.New("invalid api key")

const (
	minKeyLength = 16

	rejectedSize = 4096
	rejectedTTL  = time.Minute
)

// APIKey is one configured credential. Hash is the bcrypt hash of the raw key.
type APIKey struct {
	Name string
	Role string
	Hash string
}

// ParseAPIKeys reads "name:role:bcrypt-hash" entries separated by commas.
// bcrypt hashes contain no commas and the hash is the last field, so colons
// inside it are kept.
func ParseAPIKeys(raw string) ([]APIKey, error) {
	var keys []APIKey
	seen := make(map[string]bool)
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 3)
		if len(parts) != 3 || parts[0] == "" || parts[2] == "" {
			return nil, fmt.Errorf("api key entry %q: want name:role:hash", entry)
		}
		k := APIKey{Name: parts[0], Role: parts[1], Hash: parts[2]}
		switch k.Role {
		case "admin", "editor", "viewer":
		default:
			return nil, fmt.Errorf("api key %q: unknown role %q", k.Name, k.Role)
		}
		if _, err := bcrypt.Cost([]byte(k.Hash)); err != nil {
			return nil, fmt.Errorf("api key %q: %w", k.Name, err)
		}
		if seen[k.Name] {
			return nil, fmt.Errorf("api key %q configured twice", k.Name)
		}
		seen[k.Name] = true
		keys = append(keys, k)
	}
	return keys, nil
}

// HashKey returns the bcrypt hash to put in the key list for raw.
func HashKey(raw string) (string, error) {
	if len(raw) < minKeyLength {
		return "", fmt.Errorf("api key must be at least %d characters", minKeyLength)
	}
	h, err := bcrypt.GenerateFromPassword([]byte(raw), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

type Service struct {
	keys     []APIKey
	enforcer *casbin.Enforcer

	// verified caches sha256(raw key) -> key index so bcrypt runs once per
	// key and process.
	verified sync.Map
	// rejected maps sha256(raw key) -> expiry for keys that matched nothing,
	// so repeated bad keys skip the bcrypt loop until the entry expires.
	rejected *lru.Cache
	now      func() time.Time
}

func NewService(keys []APIKey) (*Service, error) {
	m, err := model.NewModelFromString(`
[request_definition]
r = sub, obj, act

[policy_definition]
p = sub, obj, act

[role_definition]
g = _, _

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = g(r.sub, p.sub) && (r.obj == p.obj || p.obj == "*") && (r.act == p.act || p.act == "*")
`)
	if err != nil {
		return nil, err
	}

	e, err := casbin.NewEnforcer(m)
	if err != nil {
		return nil, err
	}

	// Admin can do everything
	e.AddPolicy("admin", "*", "*")
	// Editor can refresh and delete countries
	e.AddPolicy("editor", ObjCountries, ActRead)
	e.AddPolicy("editor", ObjCountries, ActWrite)
	e.AddPolicy("editor", ObjStatus, ActRead)
	// Viewer can only read
	e.AddPolicy("viewer", ObjCountries, ActRead)
	e.AddPolicy("viewer", ObjStatus, ActRead)

	for _, k := range keys {
		if _, err := e.AddGroupingPolicy(k.Name, k.Role); err != nil {
			return nil, err
		}
	}
	rejected, err := lru.New(rejectedSize)
	if err != nil {
		return nil, err
	}
	return &Service{keys: keys, enforcer: e, rejected: rejected, now: time.Now}, nil
}

// Enabled reports whether any key is configured. Without keys every request
// is allowed.
func (s *Service) Enabled() bool {
	return s != nil && len(s.keys) > 0
}

// Authenticate returns the key matching raw.
func (s *Service) Authenticate(raw string) (*APIKey, error) {
	if len(raw) < minKeyLength {
		return nil, ErrInvalidKey
	}
	sum := sha256.Sum256([]byte(raw))
	digest := hex.EncodeToString(sum[:])
	if i, ok := s.verified.Load(digest); ok {
		k := s.keys[i.(int)]
		return &k, nil
	}
	if v, ok := s.rejected.Get(digest); ok {
		if s.now().Before(v.(time.Time)) {
			return nil, ErrInvalidKey
		}
		s.rejected.Remove(digest)
	}
	for i, k := range s.keys {
		if bcrypt.CompareHashAndPassword([]byte(k.Hash), []byte(raw)) == nil {
			s.verified.Store(digest, i)
			return &k, nil
		}
	}
	s.rejected.Add(digest, s.now().Add(rejectedTTL))
	return nil, ErrInvalidKey
}

func (s *Service) Enforce(sub, obj, act string) (bool, error) {
	return s.enforcer.Enforce(sub, obj, act)
}
