package entities

import "errors"

// Domain errors
var (
	ErrInvalidStreamRole  = errors.New("invalid stream role")
	ErrSessionFrozen      = errors.New("session is frozen")
	ErrSessionFinalizing  = errors.New("session finalize in progress")
	ErrSessionRetired     = errors.New("session retired")
	ErrBindingProtected   = errors.New("binding is locked or manual")
	ErrEmbeddingCacheFull = errors.New("embedding cache full")
	ErrInvalidEmbedding   = errors.New("invalid embedding")
	ErrObjectNotFound     = errors.New("object not found")
	ErrMissingAudio       = errors.New("no stored audio for session")
)
