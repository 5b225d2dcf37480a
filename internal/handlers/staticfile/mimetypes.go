package staticfile

import (
	"path/filepath"
	"strings"
)

const defaultOctetStreamMimeType = "application/octet-stream"

// builtinMimeTypes is the fixed extension table. Matching is exact and
// case-sensitive: "HTML" is not "html".
var builtinMimeTypes = map[string]string{
	"html": "text/html;charset=utf-8",
	"css":  "text/css;charset=utf-8",
	"js":   "application/javascript",
	"wasm": "application/wasm",
}

// MimeTypeResolver maps file names to content types.
type MimeTypeResolver struct {
	customMimeTypes map[string]string
}

// NewMimeTypeResolver builds a resolver from the built-in table plus custom
// entries keyed by extension without the dot. Custom entries never replace a
// built-in one.
func NewMimeTypeResolver(custom map[string]string) *MimeTypeResolver {
	r := &MimeTypeResolver{customMimeTypes: make(map[string]string, len(custom))}
	for ext, ct := range custom {
		if _, builtin := builtinMimeTypes[ext]; builtin {
			continue
		}
		r.customMimeTypes[ext] = ct
	}
	return r
}

// GetMimeType returns the content type for path, defaulting to
// application/octet-stream.
func (r *MimeTypeResolver) GetMimeType(path string) string {
	ext := extension(path)
	if ct, ok := builtinMimeTypes[ext]; ok {
		return ct
	}
	if r != nil {
		if ct, ok := r.customMimeTypes[ext]; ok {
			return ct
		}
	}
	return defaultOctetStreamMimeType
}

// ContentType resolves path against the built-in table only.
func ContentType(path string) string {
	return (*MimeTypeResolver)(nil).GetMimeType(path)
}

// extension returns the text after the last dot of the file name. Dotfiles
// such as ".env" have no extension.
func extension(path string) string {
	base := filepath.Base(path)
	i := strings.LastIndexByte(base, '.')
	if i <= 0 {
		return ""
	}
	return base[i+1:]
}
