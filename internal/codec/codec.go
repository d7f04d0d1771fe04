package codec

import (
	"fmt"
	"reflect"
	"regexp"
	"time"

	"github.com/bytedance/sonic"
	"github.com/extmesh/extmesh/internal/shared/id"
)

// tagKey marks an encoded extended value. Plain objects that happen to carry
// this key are escaped as literals so they survive the round trip.
const tagKey = "$type"

const (
	tagDate     = "date"
	tagRegexp   = "regexp"
	tagError    = "error"
	tagBytes    = "bytes"
	tagMap      = "map"
	tagSet      = "set"
	tagCallable = "callable"
	tagBlob     = "blob"
	tagLiteral  = "literal"
)

// RemoteError carries an error across the bus, and doubles as the tagged
// object Decode hands back when input cannot be parsed at all.
type RemoteError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

func (e *RemoteError) Error() string {
	if e.Name == "" {
		return e.Message
	}
	return e.Name + ": " + e.Message
}

// Codec encodes and decodes bus payloads, replacing callables and blobs with
// reference tokens held in its registry.
type Codec struct {
	registry *Registry
}

// New creates a codec around the given reference registry.
func New(registry *Registry) *Codec {
	return &Codec{registry: registry}
}

// Registry exposes the backing reference registry.
func (c *Codec) Registry() *Registry {
	return c.registry
}

// Encode converts a value into transportable bytes. Extended types become
// tagged objects; JSON-safe values pass through untouched.
func (c *Codec) Encode(v any) ([]byte, error) {
	enc, err := c.encodeValue(v, make(map[uintptr]bool))
	if err != nil {
		return nil, err
	}
	return sonic.Marshal(enc)
}

// Decode converts transportable bytes back into a value. It never fails:
// malformed input yields a *RemoteError describing the parse problem,
// because a bad message must never crash the receiving context.
func (c *Codec) Decode(data []byte) any {
	var raw any
	if err := sonic.Unmarshal(data, &raw); err != nil {
		return &RemoteError{Name: "DecodeError", Message: err.Error()}
	}
	return c.decodeValue(raw)
}

// encodeValue walks one value. seen holds the containers on the current
// path; revisiting one means the value references itself, which can never
// be flattened to a frame and must fail instead of recursing forever.
func (c *Codec) encodeValue(v any, seen map[uintptr]bool) (any, error) {
	switch val := v.(type) {
	case nil, bool, string,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return val, nil

	case time.Time:
		return tagged(tagDate, "value", val.Format(time.RFC3339Nano)), nil

	case *regexp.Regexp:
		return tagged(tagRegexp, "source", val.String()), nil

	case []byte:
		vals := make([]int, len(val))
		for i, b := range val {
			vals[i] = int(b)
		}
		return tagged(tagBytes, "value", vals), nil

	case *Blob:
		ref := c.registry.PutBlob(val)
		obj := tagged(tagBlob, "ref", ref.String())
		obj["size"] = len(val.Data)
		return obj, nil

	case Callable:
		ref := c.registry.PutCallable(val)
		return tagged(tagCallable, "ref", ref.String()), nil

	case func(args ...any) (any, error):
		ref := c.registry.PutCallable(val)
		return tagged(tagCallable, "ref", ref.String()), nil

	case *Set:
		release, err := visit(seen, reflect.ValueOf(val).Pointer(), val)
		if err != nil {
			return nil, err
		}
		defer release()
		values := make([]any, 0, val.Len())
		for _, item := range val.Values() {
			enc, err := c.encodeValue(item, seen)
			if err != nil {
				return nil, err
			}
			values = append(values, enc)
		}
		return tagged(tagSet, "values", values), nil

	case *Map:
		release, err := visit(seen, reflect.ValueOf(val).Pointer(), val)
		if err != nil {
			return nil, err
		}
		defer release()
		entries := make([][]any, 0, val.Len())
		for _, e := range val.Entries() {
			ek, err := c.encodeValue(e[0], seen)
			if err != nil {
				return nil, err
			}
			ev, err := c.encodeValue(e[1], seen)
			if err != nil {
				return nil, err
			}
			entries = append(entries, []any{ek, ev})
		}
		return tagged(tagMap, "entries", entries), nil

	case *RemoteError:
		obj := tagged(tagError, "name", val.Name)
		obj["message"] = val.Message
		obj["stack"] = val.Stack
		return obj, nil

	case error:
		obj := tagged(tagError, "name", "Error")
		obj["message"] = val.Error()
		return obj, nil

	case map[string]any:
		release, err := visit(seen, reflect.ValueOf(val).Pointer(), val)
		if err != nil {
			return nil, err
		}
		defer release()
		out := make(map[string]any, len(val))
		for k, item := range val {
			enc, err := c.encodeValue(item, seen)
			if err != nil {
				return nil, err
			}
			out[k] = enc
		}
		if _, clash := val[tagKey]; clash {
			return tagged(tagLiteral, "value", out), nil
		}
		return out, nil

	case []any:
		release, err := visit(seen, reflect.ValueOf(val).Pointer(), val)
		if err != nil {
			return nil, err
		}
		defer release()
		out := make([]any, len(val))
		for i, item := range val {
			enc, err := c.encodeValue(item, seen)
			if err != nil {
				return nil, err
			}
			out[i] = enc
		}
		return out, nil

	default:
		return nil, fmt.Errorf("codec: unsupported value type %T", v)
	}
}

func (c *Codec) decodeValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		if tag, ok := val[tagKey].(string); ok {
			return c.revive(tag, val)
		}
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = c.decodeValue(item)
		}
		return out

	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = c.decodeValue(item)
		}
		return out

	default:
		return v
	}
}

// revive turns a tagged object back into its extended value. Shape problems
// degrade to the raw object instead of failing; an unknown tag passes
// through untouched so newer peers can still talk to older ones.
func (c *Codec) revive(tag string, obj map[string]any) any {
	switch tag {
	case tagDate:
		s, ok := obj["value"].(string)
		if !ok {
			return obj
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return obj
		}
		return t

	case tagRegexp:
		s, ok := obj["source"].(string)
		if !ok {
			return obj
		}
		re, err := regexp.Compile(s)
		if err != nil {
			return obj
		}
		return re

	case tagError:
		name, _ := obj["name"].(string)
		message, _ := obj["message"].(string)
		stack, _ := obj["stack"].(string)
		return &RemoteError{Name: name, Message: message, Stack: stack}

	case tagBytes:
		vals, ok := obj["value"].([]any)
		if !ok {
			return obj
		}
		out := make([]byte, len(vals))
		for i, item := range vals {
			n, ok := item.(float64)
			if !ok || n < 0 || n > 255 {
				return obj
			}
			out[i] = byte(n)
		}
		return out

	case tagSet:
		vals, ok := obj["values"].([]any)
		if !ok {
			return obj
		}
		s := NewSet()
		for _, item := range vals {
			s.Add(c.decodeValue(item))
		}
		return s

	case tagMap:
		entries, ok := obj["entries"].([]any)
		if !ok {
			return obj
		}
		m := NewMap()
		for _, raw := range entries {
			pair, ok := raw.([]any)
			if !ok || len(pair) != 2 {
				return obj
			}
			m.Set(c.decodeValue(pair[0]), c.decodeValue(pair[1]))
		}
		return m

	case tagCallable:
		refStr, ok := obj["ref"].(string)
		if !ok {
			return obj
		}
		ref := id.RefID(refStr)
		// Resolution happens at invoke time: a reference that expired, or
		// that was minted in another process, yields a descriptive error
		// only when actually called, never at decode time.
		registry := c.registry
		return Callable(func(args ...any) (any, error) {
			fn, ok := registry.Callable(ref)
			if !ok {
				return nil, &RemoteError{
					Name:    "StaleCallable",
					Message: fmt.Sprintf("callable %s is expired or lives in another context", ref),
				}
			}
			return fn(args...)
		})

	case tagBlob:
		refStr, ok := obj["ref"].(string)
		if !ok {
			return obj
		}
		if b, ok := c.registry.Blob(id.RefID(refStr)); ok {
			return b
		}
		// Safe stand-in for references this process does not hold.
		return &Blob{}

	case tagLiteral:
		inner, ok := obj["value"].(map[string]any)
		if !ok {
			return obj
		}
		out := make(map[string]any, len(inner))
		for k, item := range inner {
			out[k] = c.decodeValue(item)
		}
		return out

	default:
		return obj
	}
}

// visit marks a container as being on the current encode path and returns
// the unmark. Sharing a container across siblings is fine; seeing it again
// on the same path is a cycle. Nil containers carry pointer zero and are
// never tracked.
func visit(seen map[uintptr]bool, ptr uintptr, v any) (func(), error) {
	if ptr == 0 {
		return func() {}, nil
	}
	if seen[ptr] {
		return nil, fmt.Errorf("codec: cyclic value %T", v)
	}
	seen[ptr] = true
	return func() { delete(seen, ptr) }, nil
}

func tagged(tag, key string, value any) map[string]any {
	return map[string]any{tagKey: tag, key: value}
}
