package embed

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/haivivi/seqlab/pkg/trie"
)

// Factory rebuilds a producer from its identity string. Used when a
// checkpoint is restored and the embedding configuration must be turned
// back into live producers.
type Factory func(identity string) (Embedder, error)

// Registry routes producer identities to factories via identity-pattern
// matching. Patterns use "/" separators with "+" as a single-segment
// wildcard, mirroring the identity layout of the built-in producers:
//
//	r.Handle("word/+/+/+", wordFactory)
//	r.Handle("ctx/+/+/+", contextualFactory)
type Registry struct {
	mux *trie.Trie[Factory]
}

// NewRegistry creates a registry with the built-in local producer
// families ("word" and "ctx") pre-registered.
//
// Remote families are not pre-registered: rebuilding an
// "openai/<model>/d<dim>" identity needs an API key, which only the
// caller has. Register the family before rebuilding such identities:
//
//	r.Handle("openai/+/+", func(id string) (embed.Embedder, error) {
//		parts := strings.Split(id, "/")
//		dim, _ := strconv.Atoi(strings.TrimPrefix(parts[2], "d"))
//		return embed.NewOpenAIDoc(apiKey,
//			embed.WithModel(parts[1]), embed.WithDim(dim)), nil
//	})
func NewRegistry() *Registry {
	r := &Registry{mux: trie.New[Factory]()}
	// The built-in registrations cannot collide in a fresh trie.
	_ = r.Handle("word/+/+/+", rebuildWord)
	_ = r.Handle("ctx/+/+/+", rebuildContextual)
	return r
}

// Handle registers a factory for an identity pattern.
// Returns an error if the exact pattern is already registered.
func (r *Registry) Handle(pattern string, f Factory) error {
	if err := r.mux.Set(pattern, f); err != nil {
		return fmt.Errorf("embed: %w for %s", err, pattern)
	}
	return nil
}

// Rebuild turns a producer identity back into a live producer.
// Stacked and docpool identities are handled structurally: their child
// identities are rebuilt recursively through the registry.
func (r *Registry) Rebuild(identity string) (Embedder, error) {
	if inner, ok := cutWrapped(identity, "stacked("); ok {
		var children []Embedder
		for _, childID := range splitTopLevel(inner) {
			ch, err := r.Rebuild(childID)
			if err != nil {
				return nil, err
			}
			children = append(children, ch)
		}
		return NewStacked(children...)
	}
	for _, op := range []PoolOp{PoolMean, PoolMax, PoolMin} {
		if inner, ok := cutWrapped(identity, "docpool/"+string(op)+"("); ok {
			ch, err := r.Rebuild(inner)
			if err != nil {
				return nil, err
			}
			return NewDocPool(ch, op)
		}
	}
	f, ok := r.mux.Get(identity)
	if !ok {
		return nil, fmt.Errorf("embed: no factory registered for identity %q", identity)
	}
	return f(identity)
}

// cutWrapped strips "<prefix>...)" wrappers, returning the inside.
func cutWrapped(identity, prefix string) (string, bool) {
	if strings.HasPrefix(identity, prefix) && strings.HasSuffix(identity, ")") {
		return identity[len(prefix) : len(identity)-1], true
	}
	return "", false
}

// splitTopLevel splits a comma-joined child list, ignoring commas inside
// nested parentheses.
func splitTopLevel(s string) []string {
	var out []string
	depth, start := 0, 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				out = append(out, s[start:i])
				start = i + 1
			}
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}

// rebuildWord parses "word/<name>/d<dim>/s<seed>".
func rebuildWord(identity string) (Embedder, error) {
	name, dim, seed, err := parseIdentity(identity, "word")
	if err != nil {
		return nil, err
	}
	return NewWord(WithName(name), WithDim(dim), WithSeed(seed)), nil
}

// rebuildContextual parses "ctx/<name>/d<dim>/s<seed>".
func rebuildContextual(identity string) (Embedder, error) {
	name, dim, seed, err := parseIdentity(identity, "ctx")
	if err != nil {
		return nil, err
	}
	return NewContextual(WithName(name), WithDim(dim), WithSeed(seed)), nil
}

func parseIdentity(identity, family string) (name string, dim int, seed int64, err error) {
	parts := strings.Split(identity, "/")
	if len(parts) != 4 || parts[0] != family ||
		!strings.HasPrefix(parts[2], "d") || !strings.HasPrefix(parts[3], "s") {
		return "", 0, 0, fmt.Errorf("embed: malformed %s identity %q", family, identity)
	}
	dim, err = strconv.Atoi(parts[2][1:])
	if err != nil {
		return "", 0, 0, fmt.Errorf("embed: malformed dim in identity %q", identity)
	}
	seed, err = strconv.ParseInt(parts[3][1:], 10, 64)
	if err != nil {
		return "", 0, 0, fmt.Errorf("embed: malformed seed in identity %q", identity)
	}
	return parts[1], dim, seed, nil
}
