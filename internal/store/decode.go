package store

import (
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// Decode copies the document into v, a pointer to a struct whose fields
// carry json tags. The document id is exposed as the "id" field.
func (d Doc) Decode(v any) error {
	in := make(map[string]any, len(d.Fields)+1)
	for k, val := range d.Fields {
		in[k] = val
	}
	if _, ok := in["id"]; !ok {
		in["id"] = d.Path.ID
	}

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		Result:           v,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return fmt.Errorf("decode %s: %w", d.Path, err)
	}
	if err := dec.Decode(in); err != nil {
		return fmt.Errorf("decode %s: %w", d.Path, err)
	}
	return nil
}

// DecodeAll decodes every doc into a new T.
func DecodeAll[T any](docs []Doc) ([]T, error) {
	out := make([]T, 0, len(docs))
	for _, d := range docs {
		var v T
		if err := d.Decode(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
