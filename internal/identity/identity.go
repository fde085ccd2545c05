// Package identity turns an inbound HTTP request into a stable
// (client_id, optional group_id) Identity, the unit that rate limiting and
// cost tracking key off of. Extraction never normalizes the values it
// finds: callers that want trimming or case folding do it themselves.
package identity

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tokenrelay/llm-gateway/internal/config"
)

// Identity is the (client_id, optional group_id) tuple extracted from one
// request. GroupID is meaningful only when HasGroup is true: an absent
// group is not the same thing as an empty-string group.
type Identity struct {
	ClientID string
	GroupID  string
	HasGroup bool
}

// MissingClientIDError is returned when client identification is enabled
// and the configured source yielded no value at all.
type MissingClientIDError struct{}

func (*MissingClientIDError) Error() string { return "client identification is required" }

// InvalidGroupError is returned when a group was extracted but is not a
// member of the configured allow-list.
type InvalidGroupError struct{ Group string }

func (e *InvalidGroupError) Error() string {
	return fmt.Sprintf("group %q is not a valid group", e.Group)
}

// Extractor pulls an Identity out of requests per a fixed configuration.
type Extractor struct {
	cfg         config.ClientIdentificationConfig
	groupValues map[string]struct{}
}

// NewExtractor builds an Extractor from the server's client identification
// configuration. If identification is disabled, Extract always returns the
// zero Identity with no error.
func NewExtractor(cfg config.ClientIdentificationConfig) *Extractor {
	e := &Extractor{cfg: cfg}
	if len(cfg.Validation.GroupValues) > 0 {
		e.groupValues = make(map[string]struct{}, len(cfg.Validation.GroupValues))
		for _, v := range cfg.Validation.GroupValues {
			e.groupValues[v] = struct{}{}
		}
	}
	return e
}

// Extract resolves the Identity for r. On failure it returns
// *MissingClientIDError or *InvalidGroupError; callers should type-switch
// on the returned error to pick the matching wire response.
func (e *Extractor) Extract(r *http.Request) (Identity, error) {
	if !e.cfg.Enabled {
		return Identity{}, nil
	}

	clientID, found := lookup(r, e.cfg.ClientID)
	if !found {
		return Identity{}, &MissingClientIDError{}
	}

	id := Identity{ClientID: clientID}

	if !e.cfg.GroupID.IsZero() {
		if group, ok := lookup(r, e.cfg.GroupID); ok {
			if e.groupValues != nil {
				if _, allowed := e.groupValues[group]; !allowed {
					return Identity{}, &InvalidGroupError{Group: group}
				}
			}
			id.GroupID = group
			id.HasGroup = true
		}
	}

	return id, nil
}

// lookup reads a single configured source, returning ok=false when the
// source is unset or yields no value. Exactly one of src's fields is
// expected to be populated; HTTPHeader wins if more than one is (caller
// configuration error, not worth failing startup over).
func lookup(r *http.Request, src config.IdentitySourceConfig) (string, bool) {
	switch {
	case src.HTTPHeader != "":
		// An explicitly empty header value is still "present" per the
		// spec (empty client IDs are accepted verbatim); Header.Get
		// cannot distinguish "absent" from "present but empty" on its
		// own, so consult the header set directly.
		values, present := r.Header[http.CanonicalHeaderKey(src.HTTPHeader)]
		if !present || len(values) == 0 {
			return "", false
		}
		return values[0], true

	case src.QueryParam != "":
		values := r.URL.Query()
		if _, present := values[src.QueryParam]; !present {
			return "", false
		}
		return values.Get(src.QueryParam), true

	case src.JWTClaim != "":
		return claimFromBearerToken(r, src.JWTClaim)

	default:
		return "", false
	}
}

// claimFromBearerToken extracts a named claim from the JWT carried in the
// Authorization: Bearer header. It parses without signature verification:
// upstream API-key validation has already authenticated the caller by the
// time identification runs, so this step only reads routing metadata out
// of a token that's already trusted.
func claimFromBearerToken(r *http.Request, claim string) (string, bool) {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return "", false
	}
	tokenString := strings.TrimPrefix(auth, "Bearer ")
	if tokenString == "" {
		return "", false
	}

	parser := jwt.NewParser()
	token, _, err := parser.ParseUnverified(tokenString, jwt.MapClaims{})
	if err != nil {
		return "", false
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", false
	}

	v, present := claims[claim]
	if !present {
		return "", false
	}
	s, ok := v.(string)
	if !ok {
		return "", false
	}
	return s, true
}
