package handlers

import (
	"errors"
	"net/http"

	"dm-service/internal/apperrors"
	"dm-service/internal/repositories"
)

func statusForError(err error) int {
	switch {
	case errors.Is(err, apperrors.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, repositories.ErrNotParticipant):
		return http.StatusForbidden
	case errors.Is(err, repositories.ErrConversationNotFound),
		errors.Is(err, repositories.ErrProfileNotFound),
		errors.Is(err, repositories.ErrMessageNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperrors.ErrTransport):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
