package model

import (
	"errors"
	"fmt"
)

// 错误分类，调用方用errors.Is判断
var (
	ErrNotFound       = errors.New("not found")
	ErrAlreadyClosed  = errors.New("already closed")
	ErrDuplicateVote  = errors.New("duplicate vote")
	ErrInvalidOption  = errors.New("invalid option")
	ErrEmptySelection = errors.New("empty selection")
	ErrConflict       = errors.New("conflict")
)

var (
	ErrPollNotFound       = fmt.Errorf("poll %w", ErrNotFound)
	ErrDiscussionNotFound = fmt.Errorf("discussion %w", ErrNotFound)
	ErrPostNotFound       = fmt.Errorf("post %w", ErrNotFound)
	ErrRoundNotFound      = fmt.Errorf("round %w", ErrNotFound)

	ErrPollClosed       = fmt.Errorf("poll %w", ErrAlreadyClosed)
	ErrDiscussionClosed = fmt.Errorf("discussion %w", ErrAlreadyClosed)
)
