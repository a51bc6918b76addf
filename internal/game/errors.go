package game

import (
	apperrors "github.com/koopa0/pong-engine/pkg/errors"
)

// 預定義錯誤：每個拒絕原因都有獨立錯誤碼，呼叫端以 errors.Is 判斷
var (
	ErrSessionNotFound    = apperrors.New(apperrors.ErrCodeNotFound, "session not found")
	ErrAlreadyInSession   = apperrors.New(apperrors.ErrCodeAlreadyInSession, "player already owns an active session")
	ErrSessionNotJoinable = apperrors.New(apperrors.ErrCodeNotJoinable, "session is not waiting for players")
	ErrCannotJoinOwn      = apperrors.New(apperrors.ErrCodeOwnSession, "cannot join your own session")
	ErrSessionFull        = apperrors.New(apperrors.ErrCodeSessionFull, "session already has two players")
	ErrNotInSession       = apperrors.New(apperrors.ErrCodeNotInSession, "player is not part of the session")
	ErrNotPlaying         = apperrors.New(apperrors.ErrCodeNotPlaying, "session is not playing")
	ErrSessionFinished    = apperrors.New(apperrors.ErrCodeFinished, "session already finished")
	ErrInvalidConfig      = apperrors.New(apperrors.ErrCodeInvalidInput, "invalid session config")
	ErrInvalidDirection   = apperrors.New(apperrors.ErrCodeInvalidInput, "direction must be -1, 0 or 1")
	ErrInvalidPlayer      = apperrors.New(apperrors.ErrCodeInvalidInput, "invalid player id")
)
