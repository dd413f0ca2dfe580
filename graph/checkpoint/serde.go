package checkpoint

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Serialized is the wire representation a Checkpointer backend actually
// stores: a JSON document plus a side channel of type tags for values
// encoding/json would otherwise flatten into an indistinguishable JSON
// type. []byte is the main case that matters here — channel values that
// carry binary blobs (e.g. a Topic fed raw bytes) would silently become
// base64 strings indistinguishable from an ordinary string channel value
// without a tag recording that they need decoding back to []byte.
type Serialized struct {
	// Doc is the checkpoint (or metadata) marshaled as plain JSON, with
	// every tagged value already substituted for its encoded form.
	Doc []byte
	// Tags maps a gjson path within Doc to the Go type that path's value
	// must be decoded back into.
	Tags map[string]string
}

const tagBytes = "bytes"

// MarshalCheckpoint encodes a Checkpoint into a Serialized document. Each
// channel value is inspected once: []byte values are base64-encoded and
// tagged so UnmarshalCheckpoint can restore them exactly, and everything
// else passes through encoding/json unchanged.
func MarshalCheckpoint(cp Checkpoint) (Serialized, error) {
	doc, err := json.Marshal(cp)
	if err != nil {
		return Serialized{}, fmt.Errorf("checkpoint: marshal: %w", err)
	}

	tags := map[string]string{}
	for name, v := range cp.ChannelValues {
		raw, ok := v.([]byte)
		if !ok {
			continue
		}
		path := "channel_values." + gjsonEscape(name)
		doc, err = sjson.SetBytes(doc, path, base64.StdEncoding.EncodeToString(raw))
		if err != nil {
			return Serialized{}, fmt.Errorf("checkpoint: tag channel %q: %w", name, err)
		}
		tags[path] = tagBytes
	}

	return Serialized{Doc: doc, Tags: tags}, nil
}

// UnmarshalCheckpoint decodes a Serialized document back into a Checkpoint,
// restoring any tagged []byte channel values from their base64 encoding.
func UnmarshalCheckpoint(s Serialized) (Checkpoint, error) {
	var cp Checkpoint
	if err := json.Unmarshal(s.Doc, &cp); err != nil {
		return Checkpoint{}, fmt.Errorf("checkpoint: unmarshal: %w", err)
	}

	for path, tag := range s.Tags {
		if tag != tagBytes {
			continue
		}
		res := gjson.GetBytes(s.Doc, path)
		if !res.Exists() {
			continue
		}
		decoded, err := base64.StdEncoding.DecodeString(res.String())
		if err != nil {
			return Checkpoint{}, fmt.Errorf("checkpoint: decode tagged value at %q: %w", path, err)
		}
		name := path[len("channel_values."):]
		cp.ChannelValues[gjsonUnescape(name)] = decoded
	}

	return cp, nil
}

// gjsonEscape escapes the path separators gjson/sjson treat specially
// (".", "*", "?") in a channel name used as a path segment.
func gjsonEscape(name string) string {
	out := make([]byte, 0, len(name))
	for i := 0; i < len(name); i++ {
		switch name[i] {
		case '.', '*', '?', '\\':
			out = append(out, '\\')
		}
		out = append(out, name[i])
	}
	return string(out)
}

func gjsonUnescape(path string) string {
	out := make([]byte, 0, len(path))
	for i := 0; i < len(path); i++ {
		if path[i] == '\\' && i+1 < len(path) {
			continue
		}
		out = append(out, path[i])
	}
	return string(out)
}
