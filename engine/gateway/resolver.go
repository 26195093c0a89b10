package gateway

import (
	"context"
	"strings"
	"time"

	svcerrors "github.com/ofreceptor/sync-engine/infrastructure/errors"
	"github.com/ofreceptor/sync-engine/infrastructure/httputil"
)

// StaticResolver resolves transmitter base URLs from a fixed table.
// Production deployments plug the directory-of-participants client into the
// ParticipantResolver seam instead; the static table serves local and
// sandbox environments where the participant set is known up front.
type StaticResolver struct {
	byOrg map[string]string
}

// NewStaticResolver validates and normalizes every entry's URL.
func NewStaticResolver(entries map[string]string) (*StaticResolver, error) {
	byOrg := make(map[string]string, len(entries))
	for org, raw := range entries {
		normalized, _, err := httputil.NormalizeServiceBaseURL(raw)
		if err != nil {
			return nil, svcerrors.ValidationFailed("participants."+org, err.Error())
		}
		byOrg[org] = normalized
	}
	return &StaticResolver{byOrg: byOrg}, nil
}

// ParseResolverSpec parses "org1=https://a.example,org2=https://b.example".
func ParseResolverSpec(spec string) map[string]string {
	out := make(map[string]string)
	for _, pair := range strings.Split(spec, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		if org, url, ok := strings.Cut(pair, "="); ok {
			out[strings.TrimSpace(org)] = strings.TrimSpace(url)
		}
	}
	return out
}

// BaseURL implements ParticipantResolver.
func (r *StaticResolver) BaseURL(_ context.Context, organizationID string) (string, error) {
	base, ok := r.byOrg[organizationID]
	if !ok {
		return "", svcerrors.NotFound("participant", organizationID)
	}
	return base, nil
}

// StaticTokenFetcher hands out a fixed bearer token for every organization.
// It exists for sandbox environments; the real client-credentials exchange
// is an external collaborator behind the TokenFetcher seam.
type StaticTokenFetcher struct {
	Token string
	TTL   time.Duration
}

// FetchToken implements TokenFetcher.
func (f StaticTokenFetcher) FetchToken(_ context.Context, _ string) (string, time.Time, error) {
	ttl := f.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return f.Token, time.Now().Add(ttl), nil
}
