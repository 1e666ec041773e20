package middleware

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	apperrors "github.com/off-context/off-context/internal/errors"
)

// MaxDecompressedBytes caps a decoded request body.
const MaxDecompressedBytes = 32 << 20

// RequestDecompressionMiddleware decodes gzip and zstd request bodies. Hook
// relays may compress large transcripts; net/http only decodes responses.
func RequestDecompressionMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		enc := strings.ToLower(strings.TrimSpace(c.GetHeader("Content-Encoding")))
		if enc == "" || enc == "identity" {
			c.Next()
			return
		}

		decoded, err := decodeBody(enc, c.Request.Body)
		if err != nil {
			abortAppError(c, apperrors.InvalidRequest(err.Error()))
			return
		}
		if int64(len(decoded)) > MaxDecompressedBytes {
			abortAppError(c, apperrors.New(http.StatusRequestEntityTooLarge, apperrors.CodeInvalidRequest, "decompressed request body too large", nil))
			return
		}

		c.Request.Body = io.NopCloser(bytes.NewReader(decoded))
		c.Request.ContentLength = int64(len(decoded))
		c.Request.Header.Del("Content-Encoding")
		c.Next()
	}
}

func decodeBody(enc string, body io.Reader) ([]byte, error) {
	var r io.Reader
	switch enc {
	case "gzip", "x-gzip":
		gzr, err := gzip.NewReader(body)
		if err != nil {
			return nil, fmt.Errorf("invalid gzip request body")
		}
		defer func() { _ = gzr.Close() }()
		r = gzr
	case "zstd":
		zr, err := zstd.NewReader(body, zstd.WithDecoderMaxMemory(MaxDecompressedBytes*2))
		if err != nil {
			return nil, fmt.Errorf("invalid zstd request body")
		}
		defer zr.Close()
		r = zr
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", enc)
	}
	decoded, err := io.ReadAll(io.LimitReader(r, MaxDecompressedBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to decompress %s request body", enc)
	}
	return decoded, nil
}

func abortAppError(c *gin.Context, err *apperrors.AppError) {
	c.AbortWithStatusJSON(err.HTTPStatusCode, gin.H{"error": err})
}
