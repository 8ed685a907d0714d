package middleware

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/gin-gonic/gin"
	"github.com/klauspost/compress/gzip"
	apierrors "github.com/router-for-me/ReplicateProxyAPI/internal/errors"
)

// MaxDecompressedBytes caps a decoded request body.
const MaxDecompressedBytes = 128 << 20 // 128MiB

// RequestDecompressionMiddleware transparently decompresses gzip and brotli request bodies.
//
// net/http does not decode request bodies, so handlers that expect JSON would otherwise
// see compressed bytes and answer with a confusing invalid-JSON error.
func RequestDecompressionMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		enc := strings.ToLower(strings.TrimSpace(c.GetHeader("Content-Encoding")))
		if enc == "" || enc == "identity" {
			c.Next()
			return
		}

		var reader io.Reader
		switch {
		case strings.Contains(enc, "gzip"):
			gzr, err := gzip.NewReader(c.Request.Body)
			if err != nil {
				abortInvalidBody(c, http.StatusBadRequest, "invalid gzip request body")
				return
			}
			defer func() {
				_ = gzr.Close()
			}()
			reader = gzr
		case enc == "br":
			reader = brotli.NewReader(c.Request.Body)
		default:
			c.Next()
			return
		}

		decoded, err := io.ReadAll(io.LimitReader(reader, MaxDecompressedBytes+1))
		if err != nil {
			abortInvalidBody(c, http.StatusBadRequest, fmt.Sprintf("failed to decompress %s request body", enc))
			return
		}
		if int64(len(decoded)) > MaxDecompressedBytes {
			abortInvalidBody(c, http.StatusRequestEntityTooLarge, "decompressed request body too large")
			return
		}

		c.Request.Body = io.NopCloser(bytes.NewReader(decoded))
		c.Request.ContentLength = int64(len(decoded))
		c.Request.Header.Del("Content-Encoding")
		c.Request.Header.Del("Content-Length")
		c.Next()
	}
}

func abortInvalidBody(c *gin.Context, status int, message string) {
	appErr := apierrors.New(status, "invalid_request_error", message, nil)
	appErr.Type = "invalid_request_error"
	c.Header("Content-Type", "application/json")
	c.Data(status, "application/json", appErr.ToOpenAIBody())
	c.Abort()
}
