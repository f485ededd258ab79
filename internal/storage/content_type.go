package storage

import (
	"mime"
	"path/filepath"
	"strings"
)

// ContentTypeJSONLines is the MIME type of usage archives.
const ContentTypeJSONLines = "application/x-ndjson"

// DetectContentType determines the MIME type of an object.
//
// Detection priority:
// 1. providedType, if non-empty
// 2. known archive extensions
// 3. mime.TypeByExtension
// 4. "application/octet-stream"
func DetectContentType(providedType, key string) string {
	if providedType != "" {
		return providedType
	}

	ext := strings.ToLower(filepath.Ext(key))
	switch ext {
	case ".jsonl", ".ndjson":
		return ContentTypeJSONLines
	}
	if contentType := mime.TypeByExtension(ext); contentType != "" {
		return contentType
	}
	return "application/octet-stream"
}
