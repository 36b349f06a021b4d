package utils

import (
	"fmt"
	"path"
	"path/filepath"
	"regexp"
	"strings"
)

var unsafeNameChars = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

// SanitizeFileName replaces every character outside [a-zA-Z0-9._-] with an
// underscore and strips any directory component.
func SanitizeFileName(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" {
		return ""
	}
	return unsafeNameChars.ReplaceAllString(name, "_")
}

// Extension returns the sanitized, lower-cased extension of name including
// the dot, or an empty string.
func Extension(name string) string {
	ext := strings.ToLower(path.Ext(SanitizeFileName(name)))
	if ext == "." {
		return ""
	}
	return ext
}

// JoinRemote joins remote path elements with forward slashes. A leading slash
// on the first element is preserved.
func JoinRemote(elem ...string) string {
	var parts []string
	for _, e := range elem {
		if e != "" {
			parts = append(parts, e)
		}
	}
	if len(parts) == 0 {
		return ""
	}
	joined := path.Join(parts...)
	if joined == "." {
		return ""
	}
	return joined
}

// RemoteSegments splits a remote directory into its cumulative prefixes, for
// example "a/b/c" yields "a", "a/b", "a/b/c".
func RemoteSegments(dir string) []string {
	dir = strings.Trim(path.Clean("/"+dir), "/")
	if dir == "" {
		return nil
	}

	names := strings.Split(dir, "/")
	prefixes := make([]string, 0, len(names))
	for i := range names {
		prefixes = append(prefixes, strings.Join(names[:i+1], "/"))
	}
	return prefixes
}

// ToggleLeadingSlash strips a leading "/" if present and adds one otherwise.
func ToggleLeadingSlash(p string) string {
	if strings.HasPrefix(p, "/") {
		return strings.TrimLeft(p, "/")
	}
	return "/" + p
}

// RemoteBase returns the last element of a remote path.
func RemoteBase(p string) string {
	p = strings.TrimRight(strings.ReplaceAll(p, "\\", "/"), "/")
	if p == "" {
		return ""
	}
	return path.Base(p)
}

// SecureJoin safely joins path elements and ensures the result stays within the base directory.
// Unlike filepath.Join, this function validates that the result doesn't escape the base through
// directory traversal.
func SecureJoin(base string, elements ...string) (string, error) {
	if base == "" {
		return "", fmt.Errorf("base path cannot be empty")
	}

	cleanBase := filepath.Clean(base)
	fullPath := filepath.Join(append([]string{cleanBase}, elements...)...)

	if !strings.HasPrefix(fullPath, cleanBase+string(filepath.Separator)) &&
		fullPath != cleanBase {
		return "", fmt.Errorf("path escapes base directory")
	}

	return fullPath, nil
}

var contentTypes = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
	".svg":  "image/svg+xml",
	".pdf":  "application/pdf",
	".doc":  "application/msword",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".xls":  "application/vnd.ms-excel",
	".xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	".ppt":  "application/vnd.ms-powerpoint",
	".pptx": "application/vnd.openxmlformats-officedocument.presentationml.presentation",
	".txt":  "text/plain",
	".csv":  "text/csv",
	".zip":  "application/zip",
}

// ContentTypeByName derives a MIME type from the file extension, falling back
// to application/octet-stream.
func ContentTypeByName(name string) string {
	if ct, ok := contentTypes[Extension(name)]; ok {
		return ct
	}
	return "application/octet-stream"
}

// IsInlineType reports whether browsers should display the type inline
// rather than download it.
func IsInlineType(contentType string) bool {
	return strings.HasPrefix(contentType, "image/") || contentType == "application/pdf"
}
