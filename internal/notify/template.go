package notify

import (
	"fmt"
	"sort"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Renderer substitutes `{{key}}` tokens in a Template's text fields with
// str(value) from data. Substitution is exact-token, no whitespace
// tolerance inside the braces, no escaping, and missing keys are left
// literal. Renders are memoized by (template id/version, data fingerprint)
// in a process-local cache.
type Renderer struct {
	cache *gocache.Cache
}

// NewRenderer creates a Renderer whose cache entries expire after ttl
// (default 10 minutes if ttl <= 0) and are swept every 2*ttl.
func NewRenderer(ttl time.Duration) *Renderer {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Renderer{cache: gocache.New(ttl, 2*ttl)}
}

// Render renders template against data, returning a Content. A cache hit
// returns the exact string a previous render produced; memoization is
// observationally a no-op optimization, never changing the result.
func (r *Renderer) Render(t *Template, data map[string]interface{}) Content {
	key := t.fingerprint(data)
	if cached, ok := r.cache.Get(key); ok {
		return cached.(Content)
	}

	content := Content{
		Subject:   substitute(t.SubjectTemplate, data),
		Title:     substitute(t.TitleTemplate, data),
		Body:      substitute(t.BodyTemplate, data),
		HTMLBody:  substitute(t.HTMLBodyTemplate, data),
		ShortBody: substitute(t.ShortBodyTemplate, data),
	}
	r.cache.Set(key, content, gocache.DefaultExpiration)
	return content
}

// substitute replaces every `{{key}}` occurrence in template with
// fmt.Sprintf("%v", data[key]); keys absent from data are left as a
// literal token.
func substitute(template string, data map[string]interface{}) string {
	if template == "" {
		return ""
	}
	result := template
	for key, value := range data {
		token := "{{" + key + "}}"
		result = strings.ReplaceAll(result, token, fmt.Sprintf("%v", value))
	}
	return result
}

// sortedKeys returns data's keys in sorted order, used to make template
// fingerprints deterministic regardless of map iteration order.
func sortedKeys(data map[string]interface{}) []string {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
