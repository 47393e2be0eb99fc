package store

import "encoding/json"

// The structured sub-fields (media, links, metadata) are persisted as
// JSON-shaped text. These helpers are the single encode/decode point for that
// boundary so every backend stores and reads the exact same shapes.

var emptyObject = []byte("{}")

// EncodeMedia serializes a media mapping, defaulting nil to an empty mapping.
func EncodeMedia(m Media) ([]byte, error) {
	if m == nil {
		return emptyObject, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, &SerializationError{Field: "media", Err: err}
	}
	return b, nil
}

// DecodeMedia parses a stored media blob. Empty input decodes to an empty
// mapping; malformed input is a SerializationError.
func DecodeMedia(b []byte) (Media, error) {
	if len(b) == 0 {
		return Media{}, nil
	}
	m := Media{}
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, &SerializationError{Field: "media", Err: err}
	}
	return m, nil
}

// EncodeLinks serializes the link buckets. Empty buckets encode as "{}" so
// the stored shape matches the schema default.
func EncodeLinks(l Links) ([]byte, error) {
	b, err := json.Marshal(l)
	if err != nil {
		return nil, &SerializationError{Field: "links", Err: err}
	}
	return b, nil
}

// DecodeLinks parses a stored links blob.
func DecodeLinks(b []byte) (Links, error) {
	if len(b) == 0 {
		return Links{}, nil
	}
	var l Links
	if err := json.Unmarshal(b, &l); err != nil {
		return Links{}, &SerializationError{Field: "links", Err: err}
	}
	return l, nil
}

// EncodeMetadata serializes page metadata, defaulting nil to an empty mapping.
func EncodeMetadata(m Metadata) ([]byte, error) {
	if m == nil {
		return emptyObject, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, &SerializationError{Field: "metadata", Err: err}
	}
	return b, nil
}

// DecodeMetadata parses a stored metadata blob.
func DecodeMetadata(b []byte) (Metadata, error) {
	if len(b) == 0 {
		return Metadata{}, nil
	}
	m := Metadata{}
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, &SerializationError{Field: "metadata", Err: err}
	}
	return m, nil
}
