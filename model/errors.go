package model

import (
	"errors"
	"fmt"
)

var (
	ErrArchiveCorrupt       = errors.New("archive corrupt")
	ErrArchiveEncrypted     = errors.New("archive encrypted")
	ErrRecordDecode         = errors.New("record decode error")
	ErrEmbedding            = errors.New("embedding failed")
	ErrEmbeddingUnavailable = errors.New("embedding service unavailable")
	ErrModelMismatch        = errors.New("model mismatch")
	ErrCollectionNotFound   = errors.New("collection not found")
	ErrLLMUnavailable       = errors.New("llm unavailable")
	ErrLLMTimeout           = errors.New("llm timeout")
	ErrLLMMalformedResponse = errors.New("llm malformed response")
	ErrVectorStoreIO        = errors.New("vector store i/o error")
	ErrCanonicalCorrupt     = errors.New("canonical store corrupt")
)

var kinds = []struct {
	err  error
	name string
}{
	{ErrArchiveCorrupt, "ArchiveCorrupt"},
	{ErrArchiveEncrypted, "ArchiveEncrypted"},
	{ErrRecordDecode, "RecordDecodeError"},
	{ErrEmbeddingUnavailable, "EmbeddingUnavailable"},
	{ErrEmbedding, "EmbeddingError"},
	{ErrModelMismatch, "ModelMismatch"},
	{ErrCollectionNotFound, "CollectionNotFound"},
	{ErrLLMTimeout, "LLMTimeout"},
	{ErrLLMUnavailable, "LLMUnavailable"},
	{ErrLLMMalformedResponse, "LLMMalformedResponse"},
	{ErrVectorStoreIO, "VectorStoreIOError"},
	{ErrCanonicalCorrupt, "CanonicalCorrupt"},
}

// Kind returns the taxonomy name of err, or "Internal" when err does not
// wrap one of the package sentinels.
func Kind(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "Internal"
}

// DecodeError reports a single message that could not be decoded. It
// matches ErrRecordDecode.
type DecodeError struct {
	FolderPath string
	Index      int
	Offset     int64
	Err        error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s: folder %q message %d (offset %d): %v", ErrRecordDecode, e.FolderPath, e.Index, e.Offset, e.Err)
}

func (e *DecodeError) Unwrap() []error {
	return []error{ErrRecordDecode, e.Err}
}
