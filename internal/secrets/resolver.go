package secrets

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
)

var placeholderRe = regexp.MustCompile(`\$\{([^}]+)\}`)

// Template names filled in at execution time, not from the secret source.
var runtimeTemplates = map[string]bool{
	"files": true,
	"file":  true,
	"pm":    true,
}

// IsRuntimeTemplate reports whether name is substituted at execution time.
func IsRuntimeTemplate(name string) bool {
	return runtimeTemplates[name]
}

// MissingError names a placeholder that no source could resolve.
type MissingError struct {
	Key string
}

func (e *MissingError) Error() string {
	return fmt.Sprintf("Secret '%s' not found.\n\n"+
		"Add it to your .env file:\n  %s=your_value\n\n"+
		"Or set as environment variable:\n  export %s=your_value", e.Key, e.Key, e.Key)
}

// NestedError reports a secret whose value itself contains a placeholder.
// Such values would make resolution order dependent, so they are rejected.
type NestedError struct {
	Key string
}

func (e *NestedError) Error() string {
	return fmt.Sprintf("Secret '%s' must not contain a ${...} placeholder", e.Key)
}

// ComposedError reports a string where substituted values combine with the
// surrounding text into a new placeholder. Resolving the result again would
// change it, so it is rejected. Only the unresolved input is kept.
type ComposedError struct {
	Input string
}

func (e *ComposedError) Error() string {
	return fmt.Sprintf("Substituting secrets into %q forms a new ${...} placeholder", e.Input)
}

// Resolver substitutes ${NAME} placeholders from a Source. Each key is looked
// up once and cached for the life of the resolver.
type Resolver struct {
	src Source

	mu       sync.Mutex
	bindings map[string]string
}

func NewResolver(src Source) *Resolver {
	return &Resolver{src: src, bindings: map[string]string{}}
}

// Resolve returns a copy of v with every placeholder in every nested string
// replaced. Maps, slices and strings are walked; other values pass through.
func (r *Resolver) Resolve(v any) (any, error) {
	switch val := v.(type) {
	case string:
		return r.ResolveString(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			resolved, err := r.Resolve(item)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case map[string]string:
		out := make(map[string]string, len(val))
		for k, item := range val {
			resolved, err := r.ResolveString(item)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []map[string]any:
		out := make([]map[string]any, len(val))
		for i, item := range val {
			resolved, err := r.Resolve(item)
			if err != nil {
				return nil, err
			}
			out[i] = resolved.(map[string]any)
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			resolved, err := r.Resolve(item)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	case []string:
		out := make([]string, len(val))
		for i, item := range val {
			resolved, err := r.ResolveString(item)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}

// ResolveString substitutes placeholders in s.
func (r *Resolver) ResolveString(s string) (string, error) {
	if !strings.Contains(s, "${") {
		return s, nil
	}
	var firstErr error
	out := placeholderRe.ReplaceAllStringFunc(s, func(m string) string {
		if firstErr != nil {
			return m
		}
		key := placeholderRe.FindStringSubmatch(m)[1]
		if runtimeTemplates[key] {
			return m
		}
		value, err := r.bind(key)
		if err != nil {
			firstErr = err
			return m
		}
		return value
	})
	if firstErr != nil {
		return "", firstErr
	}
	// every source placeholder of s is gone, so any left over was formed
	for _, m := range placeholderRe.FindAllStringSubmatch(out, -1) {
		if !runtimeTemplates[m[1]] {
			return "", &ComposedError{Input: s}
		}
	}
	return out, nil
}

func (r *Resolver) bind(key string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if v, ok := r.bindings[key]; ok {
		return v, nil
	}
	v, ok := r.src.Lookup(key)
	if !ok {
		return "", &MissingError{Key: key}
	}
	if strings.Contains(v, "${") {
		return "", &NestedError{Key: key}
	}
	r.bindings[key] = v
	return v, nil
}

// Keys returns the names bound so far, sorted.
func (r *Resolver) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := make([]string, 0, len(r.bindings))
	for k := range r.bindings {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Values returns the distinct non-empty values bound so far. They are meant
// for masking command output and must never be logged.
func (r *Resolver) Values() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := map[string]bool{}
	values := make([]string, 0, len(r.bindings))
	for _, v := range r.bindings {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		values = append(values, v)
	}
	sort.Slice(values, func(i, j int) bool { return len(values[i]) > len(values[j]) })
	return values
}
