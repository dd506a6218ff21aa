package httpapi

import (
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"chatrelay/internal/admin"
	"chatrelay/internal/relay"
)

const invalidCSRFMessage = "Invalid CSRF token"

// writeError is the one place error kinds become HTTP statuses.
func writeError(w http.ResponseWriter, logger zerolog.Logger, err error) {
	var rerr *relay.Error
	if errors.As(err, &rerr) {
		if rerr.Kind == relay.PersistenceError {
			logger.Error().Err(err).Msg("request failed")
		}
		writeJSON(w, rerr.Kind.HTTPStatus(), map[string]string{"error": rerr.Message})
		return
	}
	var verr *admin.ValidationError
	if errors.As(err, &verr) {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "Invalid configuration", "fields": verr.Fields})
		return
	}
	logger.Error().Err(err).Msg("request failed")
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Internal error"})
}
