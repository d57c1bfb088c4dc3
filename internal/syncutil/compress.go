package syncutil

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"encoding/json"
	"io"

	"github.com/caredock/caresync/internal/errors"
)

// CompressJSON serializes v and returns it gzipped and base64-encoded, the
// wire form of compressed sync results. Decode order on the client is
// base64, then gunzip, then JSON.
func CompressJSON(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", errors.Wrap(errors.ErrInternal, "marshal for compression", err)
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		zw.Close()
		return "", errors.Wrap(errors.ErrInternal, "gzip payload", err)
	}
	if err := zw.Close(); err != nil {
		return "", errors.Wrap(errors.ErrInternal, "finish gzip payload", err)
	}

	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// DecompressJSON reverses CompressJSON into out.
func DecompressJSON(encoded string, out any) error {
	compressed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return errors.Wrap(errors.ErrValidation, "decode base64 payload", err)
	}

	zr, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return errors.Wrap(errors.ErrValidation, "open gzip payload", err)
	}
	defer zr.Close()

	raw, err := io.ReadAll(zr)
	if err != nil {
		return errors.Wrap(errors.ErrValidation, "gunzip payload", err)
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return errors.Wrap(errors.ErrValidation, "unmarshal payload", err)
	}
	return nil
}
