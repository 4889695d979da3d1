// Package decode normalizes raw request bodies: transport decompression and
// content-type-driven deserialization into row-oriented values.
package decode

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/vmihailenco/msgpack/v5"

	ingest "kraken-gateway/internal/ingest/domain"
)

const (
	// EncodingGzip is the transport compression marker.
	EncodingGzip = "gzip"

	// ContentTypeMsgpack selects the compact binary record format.
	ContentTypeMsgpack = "application/x-msgpack"
	// ContentTypeJSON selects text JSON.
	ContentTypeJSON = "application/json"
)

// ErrCorrupt indicates an uncompressible or undecodable body. Callers treat
// the whole request as a no-op rather than failing it.
var ErrCorrupt = errors.New("decode: corrupt body")

// Rows decodes a bulk body into raw rows. Decoding is all-or-nothing: a body
// that fails to decompress or parse yields no rows at all.
func Rows(raw []byte, contentEncoding, contentType string) ([]ingest.Row, error) {
	payload, err := decompress(raw, contentEncoding)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil, nil
	}

	var decoded [][]any
	switch normalize(contentType) {
	case ContentTypeMsgpack:
		if err := msgpack.Unmarshal(payload, &decoded); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
	default:
		// JSON, and the legacy unknown/absent content type whose body was
		// always JSON text.
		if err := json.Unmarshal(payload, &decoded); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
	}

	rows := make([]ingest.Row, 0, len(decoded))
	for _, row := range decoded {
		rows = append(rows, ingest.Row(row))
	}
	return rows, nil
}

// Object decodes a single-record body (status and JSON-post payloads) into a
// flat field map, under the same negotiation rules as Rows.
func Object(raw []byte, contentEncoding, contentType string) (map[string]any, error) {
	payload, err := decompress(raw, contentEncoding)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil, nil
	}

	var decoded map[string]any
	switch normalize(contentType) {
	case ContentTypeMsgpack:
		if err := msgpack.Unmarshal(payload, &decoded); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
	default:
		if err := json.Unmarshal(payload, &decoded); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
	}
	return decoded, nil
}

func decompress(raw []byte, contentEncoding string) ([]byte, error) {
	if !strings.EqualFold(strings.TrimSpace(contentEncoding), EncodingGzip) {
		return raw, nil
	}
	reader, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	defer reader.Close()
	payload, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return payload, nil
}

func normalize(contentType string) string {
	contentType = strings.TrimSpace(contentType)
	if idx := strings.Index(contentType, ";"); idx >= 0 {
		contentType = contentType[:idx]
	}
	return strings.ToLower(strings.TrimSpace(contentType))
}
