package model

import (
	"fmt"

	orderedmap "github.com/wk8/go-ordered-map/v2"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ConfigTree is the opaque JSON document Polyglot stores and echoes for
// each node server's "config" payload, plus the top-level controller and
// profile settings. The core never defines this payload's shape beyond
// the handful of well-known paths it obfuscates (see PasswordPaths); it
// manipulates everything else as raw JSON via gjson/sjson, exactly as
// spec.md requires ("store and echo but not interpret").
type ConfigTree struct {
	raw []byte
}

// PasswordPaths lists the gjson/sjson dotted paths whose values are
// base64-obfuscated on disk and decoded in memory.
var PasswordPaths = []string{
	"elements.http.password",
	"elements.isy.password",
}

// NewConfigTree wraps an existing JSON document. An empty or nil doc
// yields an empty object.
func NewConfigTree(doc []byte) *ConfigTree {
	if len(doc) == 0 {
		doc = []byte("{}")
	}
	return &ConfigTree{raw: doc}
}

// Bytes returns the current raw JSON document.
func (c *ConfigTree) Bytes() []byte {
	return c.raw
}

// Get reads the value at a dotted gjson path.
func (c *ConfigTree) Get(path string) gjson.Result {
	return gjson.GetBytes(c.raw, path)
}

// Set writes a scalar or structured Go value at path.
func (c *ConfigTree) Set(path string, value any) error {
	out, err := sjson.SetBytes(c.raw, path, value)
	if err != nil {
		return fmt.Errorf("set %s: %w", path, err)
	}
	c.raw = out
	return nil
}

// SetRaw splices a pre-serialized JSON fragment at path, used when a child
// hands the core an already-encoded sub-document (e.g. the parameter
// object of a "config" message) that must be stored verbatim.
func (c *ConfigTree) SetRaw(path string, rawJSON []byte) error {
	out, err := sjson.SetRawBytes(c.raw, path, rawJSON)
	if err != nil {
		return fmt.Errorf("set raw %s: %w", path, err)
	}
	c.raw = out
	return nil
}

// Delete removes the value at path, if present.
func (c *ConfigTree) Delete(path string) error {
	out, err := sjson.DeleteBytes(c.raw, path)
	if err != nil {
		return fmt.Errorf("delete %s: %w", path, err)
	}
	c.raw = out
	return nil
}

// Ordered walks the document and rebuilds it as an OrderedMap tree, so a
// caller that needs a stable, explicit key order (the on-disk writer,
// spec.md §4.G) gets one instead of relying on whatever order happened to
// accumulate through repeated Set calls.
func (c *ConfigTree) Ordered() *orderedmap.OrderedMap[string, any] {
	return orderedValue(gjson.ParseBytes(c.raw)).(*orderedmap.OrderedMap[string, any])
}

func orderedValue(v gjson.Result) any {
	switch {
	case v.IsObject():
		om := orderedmap.New[string, any]()
		v.ForEach(func(key, val gjson.Result) bool {
			om.Set(key.String(), orderedValue(val))
			return true
		})
		return om
	case v.IsArray():
		var out []any
		v.ForEach(func(_, val gjson.Result) bool {
			out = append(out, orderedValue(val))
			return true
		})
		return out
	default:
		return v.Value()
	}
}
