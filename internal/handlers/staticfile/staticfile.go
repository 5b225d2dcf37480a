// Package staticfile is the default request handler: it resolves the request
// path against the served directory and answers with the file, a 404, or an
// error that the server turns into a 500.
package staticfile

import (
	"errors"
	"fmt"
	"net"
	"os"

	"example.com/devserver/internal/config"
	"example.com/devserver/internal/logger"
	"example.com/devserver/internal/wire"
)

// Handler serves files from the directory passed to each Handle call.
type Handler struct {
	resolver *Resolver
	mime     *MimeTypeResolver
	logger   *logger.Logger
}

// New creates a new static file handler.
func New(cfg *config.ServeConfig, lg *logger.Logger) (*Handler, error) {
	if lg == nil {
		return nil, fmt.Errorf("staticfile: logger cannot be nil")
	}
	var custom map[string]string
	if cfg != nil {
		custom = cfg.MimeTypes
	}
	return &Handler{
		resolver: NewResolver(cfg),
		mime:     NewMimeTypeResolver(custom),
		logger:   lg,
	}, nil
}

// Handle answers the single request described by header on conn.
func (h *Handler) Handle(conn net.Conn, header string, root, fallback string) error {
	rl, err := wire.ParseRequestLine(header)
	if err != nil {
		return err
	}
	h.logger.Debug("<-- "+rl.Path, logger.LogFields{"method": rl.Method})

	target, err := h.resolver.Resolve(rl.Path, root, fallback)
	if err != nil {
		return err
	}

	if target.Kind != KindNotFound {
		h.logger.Debug("--> "+target.Path, logger.LogFields{"kind": target.Kind.String(), "fallback": target.Fallback})
		_, err := wire.WriteFile(conn, target.Path, h.mime.GetMimeType(target.Path))
		if !errors.Is(err, os.ErrNotExist) {
			return err
		}
		// Removed between resolution and open; nothing was written yet.
	}

	h.logger.Info("--> "+target.Path+" (404 NOT FOUND)", logger.LogFields{"request_path": rl.Path})
	return wire.WriteNotFound(conn)
}
