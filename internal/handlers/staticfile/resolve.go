package staticfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"example.com/devserver/internal/config"
	"example.com/devserver/internal/wire"
)

// ErrNoIndex is returned when a directory has neither index.html nor index.htm
// and the missing-index policy is "error".
var ErrNoIndex = errors.New("no index.html in directory")

var indexFiles = []string{"index.html", "index.htm"}

// Kind classifies a resolved target.
type Kind int

const (
	KindNotFound Kind = iota
	KindFile
	KindIndex // a directory request answered by its index file
)

func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindIndex:
		return "index"
	default:
		return "not_found"
	}
}

// Target is the outcome of resolving a request path.
type Target struct {
	Kind Kind
	// Path is the file to serve, or the path that was looked up when Kind is
	// KindNotFound.
	Path string
	// Fallback is set when the not-found file was substituted.
	Fallback bool
}

// Resolver maps request paths onto the served directory tree.
type Resolver struct {
	MissingIndex  config.MissingIndexPolicy
	ConfineToRoot bool
}

// NewResolver creates a Resolver from the serve configuration. A nil config
// gives the defaults: missing index is an error and requests stay inside root.
func NewResolver(cfg *config.ServeConfig) *Resolver {
	r := &Resolver{MissingIndex: config.MissingIndexError, ConfineToRoot: true}
	if cfg != nil {
		if cfg.MissingIndex != "" {
			r.MissingIndex = cfg.MissingIndex
		}
		r.ConfineToRoot = cfg.Confined()
	}
	return r
}

// Resolve maps requestPath under root. The query string is ignored and
// leading/trailing slashes are trimmed. Directories resolve to index.html,
// then index.htm. When fallback is non-empty and the result is not an
// existing regular file, root/fallback is used instead, whether or not it
// exists. A confined resolver never substitutes a fallback outside root.
func (r *Resolver) Resolve(requestPath, root, fallback string) (Target, error) {
	rel := strings.Trim(wire.StripQuery(requestPath), "/")
	full := filepath.Join(root, filepath.FromSlash(rel))
	kind := KindFile

	escaped := r.ConfineToRoot && !within(root, full)
	if !escaped {
		if info, err := os.Stat(full); err == nil && info.IsDir() {
			index, ok := findIndex(full)
			switch {
			case ok:
				full, kind = index, KindIndex
			case r.MissingIndex == config.MissingIndexNotFound:
				kind = KindNotFound
			default:
				return Target{}, fmt.Errorf("%w %s", ErrNoIndex, full)
			}
		}
	}

	t := Target{Kind: kind, Path: full}
	if fallback != "" && (escaped || kind == KindNotFound || !isRegularFile(full)) {
		t = Target{Kind: KindFile, Path: filepath.Join(root, fallback), Fallback: true}
		if r.ConfineToRoot && !within(root, t.Path) {
			return Target{Kind: KindNotFound, Path: full}, nil
		}
	} else if escaped {
		return Target{Kind: KindNotFound, Path: full}, nil
	}

	if t.Kind == KindNotFound || !isRegularFile(t.Path) {
		t.Kind = KindNotFound
	}
	return t, nil
}

func findIndex(dir string) (string, bool) {
	for _, name := range indexFiles {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p, true
		}
	}
	return "", false
}

func isRegularFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// within reports whether target is root or lies below it.
func within(root, target string) bool {
	rel, err := filepath.Rel(filepath.Clean(root), target)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
