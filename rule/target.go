package rule

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/mattn/go-jsonpointer"
	"google.golang.org/grpc/metadata"
)

// Target is the value a request rule patches.
type Target interface {
	Type() TargetType
	// Get returns the value at path and whether it exists.
	Get(path string) (any, bool, error)
	// Set writes v at path. When create is false and path does not
	// exist, Set does nothing. It reports whether the target changed.
	Set(path string, v any, create bool) (bool, error)
	// Remove deletes path; a missing path is not an error.
	Remove(path string) (bool, error)
	// Coerce converts a patch value to the representation used at path.
	Coerce(path, value string) any
}

// MessageTarget is a decoded message held as a JSON tree.
type MessageTarget struct {
	root map[string]any
}

// NewMessageTarget parses a JSON object. Numbers are kept as json.Number
// so re-encoding does not lose precision.
func NewMessageTarget(js []byte) (*MessageTarget, error) {
	dec := json.NewDecoder(bytes.NewReader(js))
	dec.UseNumber()
	var root map[string]any
	if err := dec.Decode(&root); err != nil {
		return nil, fmt.Errorf("rule: message target: %w", err)
	}
	if root == nil {
		root = map[string]any{}
	}
	return &MessageTarget{root: root}, nil
}

// Type implements Target.
func (t *MessageTarget) Type() TargetType { return TargetMessage }

// JSON encodes the current tree.
func (t *MessageTarget) JSON() ([]byte, error) {
	b, err := json.Marshal(t.root)
	if err != nil {
		return nil, fmt.Errorf("rule: message target: %w", err)
	}
	return b, nil
}

// Get implements Target.
func (t *MessageTarget) Get(path string) (any, bool, error) {
	tokens, err := parsePath(path)
	if err != nil {
		return nil, false, err
	}
	if len(tokens) == 0 {
		return t.root, true, nil
	}
	ptr := pointer(tokens)
	if !jsonpointer.Has(t.root, ptr) {
		return nil, false, nil
	}
	v, err := jsonpointer.Get(t.root, ptr)
	if err != nil {
		return nil, false, fmt.Errorf("%w: get %s: %w", ErrApplication, path, err)
	}
	return v, true, nil
}

func (t *MessageTarget) snapshot() any { return clone(t.root) }

func (t *MessageTarget) restore(s any) { t.root = s.(map[string]any) }

// Set implements Target. With create, missing objects along the path are
// added and "-" or an index equal to the array length appends.
func (t *MessageTarget) Set(path string, v any, create bool) (bool, error) {
	tokens, err := parsePath(path)
	if err != nil {
		return false, err
	}
	if len(tokens) == 0 {
		return false, fmt.Errorf("%w: cannot replace the whole message", ErrApplication)
	}

	ptr := pointer(tokens)
	if jsonpointer.Has(t.root, ptr) {
		old, _ := jsonpointer.Get(t.root, ptr)
		if err := jsonpointer.Set(t.root, ptr, v); err != nil {
			return false, fmt.Errorf("%w: set %s: %w", ErrApplication, path, err)
		}
		return !equal(old, v), nil
	}
	if !create {
		return false, nil
	}

	parent, err := t.container(tokens[:len(tokens)-1], true)
	if err != nil {
		return false, fmt.Errorf("%w: add %s: %w", ErrApplication, path, err)
	}
	last := tokens[len(tokens)-1]
	switch p := parent.(type) {
	case map[string]any:
		p[last] = v
	case []any:
		if last != "-" {
			i, err := strconv.Atoi(last)
			if err != nil || i != len(p) {
				return false, fmt.Errorf("%w: add %s: index %q out of range", ErrApplication, path, last)
			}
		}
		if err := t.replaceContainer(tokens[:len(tokens)-1], append(p, v)); err != nil {
			return false, fmt.Errorf("%w: add %s: %w", ErrApplication, path, err)
		}
	}
	return true, nil
}

// Remove implements Target.
func (t *MessageTarget) Remove(path string) (bool, error) {
	tokens, err := parsePath(path)
	if err != nil {
		return false, err
	}
	if len(tokens) == 0 {
		return false, fmt.Errorf("%w: cannot remove the whole message", ErrApplication)
	}
	if !jsonpointer.Has(t.root, pointer(tokens)) {
		return false, nil
	}

	parent, err := t.container(tokens[:len(tokens)-1], false)
	if err != nil {
		return false, fmt.Errorf("%w: remove %s: %w", ErrApplication, path, err)
	}
	last := tokens[len(tokens)-1]
	switch p := parent.(type) {
	case map[string]any:
		delete(p, last)
	case []any:
		i, err := strconv.Atoi(last)
		if err != nil || i < 0 || i >= len(p) {
			return false, nil
		}
		next := append(append([]any{}, p[:i]...), p[i+1:]...)
		if err := t.replaceContainer(tokens[:len(tokens)-1], next); err != nil {
			return false, fmt.Errorf("%w: remove %s: %w", ErrApplication, path, err)
		}
	}
	return true, nil
}

// Coerce implements Target. String fields take the value verbatim.
func (t *MessageTarget) Coerce(path, value string) any {
	if cur, ok, _ := t.Get(path); ok {
		if _, isString := cur.(string); isString {
			return value
		}
	}
	dec := json.NewDecoder(strings.NewReader(value))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil || dec.More() {
		return value
	}
	return v
}

// container walks tokens from the root and returns the object or array
// found there. With create, missing object members are added.
func (t *MessageTarget) container(tokens []string, create bool) (any, error) {
	var cur any = t.root
	for i, tok := range tokens {
		switch c := cur.(type) {
		case map[string]any:
			next, ok := c[tok]
			if !ok {
				if !create {
					return nil, fmt.Errorf("%s not found", pointer(tokens[:i+1]))
				}
				next = map[string]any{}
				c[tok] = next
			}
			cur = next
		case []any:
			idx, err := strconv.Atoi(tok)
			if err != nil || idx < 0 || idx >= len(c) {
				return nil, fmt.Errorf("index %q out of range at %s", tok, pointer(tokens[:i]))
			}
			cur = c[idx]
		default:
			return nil, fmt.Errorf("%s is not an object or array", pointer(tokens[:i]))
		}
	}
	switch cur.(type) {
	case map[string]any, []any:
		return cur, nil
	}
	return nil, fmt.Errorf("%s is not an object or array", pointer(tokens))
}

// replaceContainer stores a rebuilt array back at tokens.
func (t *MessageTarget) replaceContainer(tokens []string, v []any) error {
	if len(tokens) == 0 {
		return errors.New("message root is not an array")
	}
	return jsonpointer.Set(t.root, pointer(tokens), v)
}

// parsePath accepts a JSON Pointer ("/a/0"), a dotted path ("$.a[0]",
// "$['a.b']") or a bare dotted path ("a.b"). "" and "$" address the root.
func parsePath(path string) ([]string, error) {
	path = strings.TrimSpace(path)
	switch {
	case path == "" || path == "$" || path == "/":
		return nil, nil
	case strings.HasPrefix(path, "/"):
		parts := strings.Split(path[1:], "/")
		for i, p := range parts {
			parts[i] = strings.NewReplacer("~1", "/", "~0", "~").Replace(p)
		}
		return parts, nil
	case strings.HasPrefix(path, "$"):
		path = path[1:]
	}

	var tokens []string
	for i := 0; i < len(path); {
		switch path[i] {
		case '.':
			i++
		case '[':
			end := strings.IndexByte(path[i:], ']')
			if end < 0 {
				return nil, fmt.Errorf("%w: path %q: unclosed bracket", ErrApplication, path)
			}
			inner := path[i+1 : i+end]
			if unq, err := strconv.Unquote(strings.ReplaceAll(inner, "'", `"`)); err == nil {
				inner = unq
			} else if _, err := strconv.Atoi(inner); err != nil && inner != "-" {
				return nil, fmt.Errorf("%w: path %q: bad index %q", ErrApplication, path, inner)
			}
			tokens = append(tokens, inner)
			i += end + 1
		default:
			j := i
			for j < len(path) && path[j] != '.' && path[j] != '[' {
				j++
			}
			tokens = append(tokens, path[i:j])
			i = j
		}
	}
	for _, tok := range tokens {
		if tok == "" {
			return nil, fmt.Errorf("%w: path %q: empty segment", ErrApplication, path)
		}
	}
	return tokens, nil
}

func pointer(tokens []string) string {
	var b strings.Builder
	esc := strings.NewReplacer("~", "~0", "/", "~1")
	for _, tok := range tokens {
		b.WriteByte('/')
		b.WriteString(esc.Replace(tok))
	}
	return b.String()
}

// MetadataTarget patches call metadata. Paths are literal keys.
type MetadataTarget struct {
	md metadata.MD
}

// NewMetadataTarget wraps md; patches modify it in place.
func NewMetadataTarget(md metadata.MD) *MetadataTarget {
	if md == nil {
		md = metadata.MD{}
	}
	return &MetadataTarget{md: md}
}

// Type implements Target.
func (t *MetadataTarget) Type() TargetType { return TargetMetadata }

// MD returns the patched metadata.
func (t *MetadataTarget) MD() metadata.MD { return t.md }

func (t *MetadataTarget) snapshot() any { return t.md.Copy() }

// restore refills md in place so callers holding it see the rollback.
func (t *MetadataTarget) restore(s any) {
	for k := range t.md {
		delete(t.md, k)
	}
	for k, vs := range s.(metadata.MD) {
		t.md[k] = vs
	}
}

func metadataKey(path string) (string, error) {
	key := strings.ToLower(strings.TrimSpace(path))
	if key == "" {
		return "", fmt.Errorf("%w: empty metadata key", ErrApplication)
	}
	return key, nil
}

// Get implements Target. Only the first value of a key is returned.
func (t *MetadataTarget) Get(path string) (any, bool, error) {
	key, err := metadataKey(path)
	if err != nil {
		return nil, false, err
	}
	vs := t.md.Get(key)
	if len(vs) == 0 {
		return nil, false, nil
	}
	return vs[0], true, nil
}

// Set implements Target. With create the value is appended to the key,
// otherwise it replaces every existing value.
func (t *MetadataTarget) Set(path string, v any, create bool) (bool, error) {
	key, err := metadataKey(path)
	if err != nil {
		return false, err
	}
	s, ok := v.(string)
	if !ok {
		return false, fmt.Errorf("%w: metadata %s: value must be a string, got %T", ErrApplication, key, v)
	}
	if create {
		t.md.Append(key, s)
		return true, nil
	}
	old := t.md.Get(key)
	if len(old) == 0 {
		return false, nil
	}
	t.md.Set(key, s)
	return len(old) != 1 || old[0] != s, nil
}

// Remove implements Target.
func (t *MetadataTarget) Remove(path string) (bool, error) {
	key, err := metadataKey(path)
	if err != nil {
		return false, err
	}
	if len(t.md.Get(key)) == 0 {
		return false, nil
	}
	t.md.Delete(key)
	return true, nil
}

// Coerce implements Target. Metadata values are always strings.
func (t *MetadataTarget) Coerce(_, value string) any { return value }
