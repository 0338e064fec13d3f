package secrets

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

const (
	referenceScheme       = "secret"
	legacyReferencePrefix = "sm://"
	latestVersion         = "latest"
)

// reference is a parsed secret://name?version=N&project=P value.
type reference struct {
	canonical string
	name      string
	version   string
	project   string
}

func parseReference(raw string) (reference, error) {
	raw = normalizeReference(raw)
	if raw == "" {
		return reference{}, errors.New("secrets: empty reference")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return reference{}, fmt.Errorf("secrets: invalid reference %q: %w", raw, err)
	}
	if u.Scheme != referenceScheme {
		return reference{}, fmt.Errorf("secrets: unsupported scheme %q", u.Scheme)
	}
	name := strings.Trim(u.Host+u.Path, "/")
	if name == "" {
		return reference{}, fmt.Errorf("secrets: missing secret name in %q", raw)
	}

	query := u.Query()
	u.RawQuery = ""
	u.Fragment = ""
	return reference{
		canonical: u.String(),
		name:      name,
		version:   strings.TrimSpace(query.Get("version")),
		project:   strings.TrimSpace(query.Get("project")),
	}, nil
}

// normalizeReference accepts the older sm:// prefix.
func normalizeReference(raw string) string {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, legacyReferencePrefix) {
		return referenceScheme + "://" + strings.TrimPrefix(raw, legacyReferencePrefix)
	}
	return raw
}

// resourceName is the Secret Manager version path for ref.
func (r reference) resourceName(project, version string) string {
	return fmt.Sprintf("projects/%s/secrets/%s/versions/%s", project, strings.ReplaceAll(r.name, "/", "_"), version)
}

func cacheKey(canonical, version string) string {
	return canonical + "#" + version
}

// fingerprint hides secret names from metric labels.
func fingerprint(canonical string) string {
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:8])
}
