// Package syncutil tests for payload compression.
package syncutil

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"encoding/json"
	"io"
	"reflect"
	"testing"
)

// TestCompressJSON_RoundTrip verifies a results payload survives the
// compress/decompress cycle deep-equal.
func TestCompressJSON_RoundTrip(t *testing.T) {
	payload := map[string]any{
		"patients": map[string]any{
			"documents": []any{
				map[string]any{"$id": "patient-001", "status": "admitted", "bed": float64(12)},
				map[string]any{"$id": "patient-002", "status": "discharged"},
			},
			"deletedIds": []any{"patient-003"},
		},
		"appointments": map[string]any{
			"documents":  []any{},
			"deletedIds": []any{},
		},
	}

	encoded, err := CompressJSON(payload)
	if err != nil {
		t.Fatalf("CompressJSON error = %v", err)
	}
	if encoded == "" {
		t.Fatal("CompressJSON returned empty string")
	}

	var decoded map[string]any
	if err := DecompressJSON(encoded, &decoded); err != nil {
		t.Fatalf("DecompressJSON error = %v", err)
	}
	if !reflect.DeepEqual(decoded, payload) {
		t.Errorf("round trip mismatch:\n got %v\nwant %v", decoded, payload)
	}
}

// TestCompressJSON_WireFormat verifies the exact decode chain clients use:
// base64, then gunzip, then JSON.
func TestCompressJSON_WireFormat(t *testing.T) {
	encoded, err := CompressJSON(map[string]any{"key": "value"})
	if err != nil {
		t.Fatalf("CompressJSON error = %v", err)
	}

	compressed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		t.Fatalf("payload is not valid base64: %v", err)
	}

	zr, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		t.Fatalf("payload is not valid gzip: %v", err)
	}
	raw, err := io.ReadAll(zr)
	if err != nil {
		t.Fatalf("gunzip error = %v", err)
	}

	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("inner payload is not valid JSON: %v", err)
	}
	if out["key"] != "value" {
		t.Errorf("decoded payload = %v", out)
	}
}

// TestDecompressJSON_Malformed verifies each stage rejects corrupt input.
func TestDecompressJSON_Malformed(t *testing.T) {
	var out map[string]any

	if err := DecompressJSON("not!!base64", &out); err == nil {
		t.Error("expected error for invalid base64")
	}

	notGzip := base64.StdEncoding.EncodeToString([]byte("plain text"))
	if err := DecompressJSON(notGzip, &out); err == nil {
		t.Error("expected error for non-gzip payload")
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	zw.Write([]byte("{broken json"))
	zw.Close()
	badJSON := base64.StdEncoding.EncodeToString(buf.Bytes())
	if err := DecompressJSON(badJSON, &out); err == nil {
		t.Error("expected error for invalid inner JSON")
	}
}
