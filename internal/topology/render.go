// ABOUTME: Template rendering of environment variables into configuration text.
// ABOUTME: Supports ${NAME} and ${NAME:default}; unknown tokens stay intact.

package topology

import (
	"maps"
	"regexp"
	"slices"
	"strings"

	"github.com/2389/opamp-gateway/internal/configstore"
)

var (
	tokenPattern   = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_.]*)(?::([^}]*))?\}`)
	variableName   = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.]*$`)
	providerScheme = map[string]bool{"env": true, "file": true, "http": true, "https": true, "yaml": true}
)

// Render substitutes vars into content. A token with a default uses the
// default when the variable is undefined; a token without one is left for
// the collector to expand. The collector's own ${env:X} style provider
// references are never touched.
func Render(content string, vars map[string]string) string {
	return tokenPattern.ReplaceAllStringFunc(content, func(token string) string {
		m := tokenPattern.FindStringSubmatch(token)
		name := m[1]
		hasDefault := strings.Contains(token, ":")
		if hasDefault && providerScheme[name] {
			return token
		}
		if v, ok := vars[name]; ok {
			return v
		}
		if hasDefault {
			return m[2]
		}
		return token
	})
}

// fingerprint identifies a variable set for render caching.
func fingerprint(vars map[string]string) string {
	var b strings.Builder
	for _, k := range slices.Sorted(maps.Keys(vars)) {
		b.WriteString(k)
		b.WriteByte(0)
		b.WriteString(vars[k])
		b.WriteByte(0)
	}
	return configstore.Hash(b.String())
}
