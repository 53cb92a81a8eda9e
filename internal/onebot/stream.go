package onebot

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"

	"github.com/google/uuid"
)

// StreamScheme prefixes refs that resolve through the chunked stream
// transport instead of a plain URL.
const StreamScheme = "stream://"

const streamChunkSize = 256 * 1024

// firstString returns the first present non-empty string among keys.
func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func boolField(m map[string]any, keys ...string) bool {
	for _, k := range keys {
		if b, ok := m[k].(bool); ok {
			return b
		}
	}
	return false
}

// DownloadStream pulls a server-side file chunk by chunk. ref may carry the
// stream:// prefix or be a bare file id. Returns the payload and the
// server-reported filename (may be empty).
func (c *Client) DownloadStream(ctx context.Context, ref string) ([]byte, string, error) {
	fileID := ref
	if len(ref) > len(StreamScheme) && ref[:len(StreamScheme)] == StreamScheme {
		fileID = ref[len(StreamScheme):]
	}

	var buf bytes.Buffer
	var filename string
	offset := 0
	for {
		data, err := c.CallMap(ctx, ActionDownloadFileStream, map[string]any{
			"file":       fileID,
			"offset":     offset,
			"chunk_size": streamChunkSize,
		})
		if err != nil {
			return nil, "", err
		}
		if name := firstString(data, "file_name", "name"); name != "" {
			filename = name
		}
		encoded := firstString(data, "data", "base64", "chunk")
		if encoded == "" {
			break
		}
		chunk, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, "", fmt.Errorf("onebot: stream chunk decode: %w", err)
		}
		buf.Write(chunk)
		offset += len(chunk)
		if boolField(data, "eof", "done", "finished") || len(chunk) < streamChunkSize {
			break
		}
	}
	if buf.Len() == 0 {
		return nil, filename, fmt.Errorf("onebot: stream download %s: empty payload", fileID)
	}
	return buf.Bytes(), filename, nil
}

// UploadStream pushes a payload to the server in chunks and returns the
// server-side temp path, usable as a segment file reference. The temp file
// should be released with CleanStreamTemp after the send completes.
func (c *Client) UploadStream(ctx context.Context, name string, payload []byte) (string, error) {
	if len(payload) == 0 {
		return "", fmt.Errorf("onebot: stream upload %s: empty payload", name)
	}
	streamID := uuid.NewString()
	for offset := 0; offset < len(payload); offset += streamChunkSize {
		end := offset + streamChunkSize
		if end > len(payload) {
			end = len(payload)
		}
		last := end == len(payload)
		data, err := c.CallMap(ctx, ActionUploadFileStream, map[string]any{
			"stream_id":  streamID,
			"file_name":  name,
			"offset":     offset,
			"total_size": len(payload),
			"data":       base64.StdEncoding.EncodeToString(payload[offset:end]),
			"finish":     last,
		})
		if err != nil {
			return "", err
		}
		if last {
			path := firstString(data, "file_path", "file", "path")
			if path == "" {
				return "", fmt.Errorf("onebot: stream upload %s: no path in response", name)
			}
			return path, nil
		}
	}
	return "", fmt.Errorf("onebot: stream upload %s: not finalized", name)
}

// CleanStreamTemp removes a server-side temp file created by UploadStream.
func (c *Client) CleanStreamTemp(ctx context.Context, path string) error {
	_, err := c.SendAction(ctx, ActionCleanStreamTempFile, map[string]any{"file": path})
	return err
}
