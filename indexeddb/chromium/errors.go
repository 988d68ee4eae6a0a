package chromium

import "errors"

var (
	// ErrMalformedVarint marks a truncated or overlong varint inside a key or
	// value. Recoverable at record granularity.
	ErrMalformedVarint = errors.New("malformed varint")

	// ErrMalformedPrefix marks a compound key prefix whose declared id lengths
	// exceed the remaining bytes. Recoverable at record granularity.
	ErrMalformedPrefix = errors.New("malformed key prefix")

	// ErrMalformedKey marks an IndexedDB key that is truncated or carries an
	// out-of-range type byte. Recoverable at record granularity.
	ErrMalformedKey = errors.New("malformed key")

	// ErrUnresolvedBlob means a value referenced a blob index that is absent
	// from the store's external object metadata: the reference was never
	// written, or its metadata record did not survive.
	ErrUnresolvedBlob = errors.New("blob index not present in external object metadata")

	// ErrBlobFileMissing means the external object metadata resolved but the
	// backing file is gone from the blob directory. Distinct from
	// ErrUnresolvedBlob: here the evidence existed and was deleted.
	ErrBlobFileMissing = errors.New("blob backing file missing")

	// ErrUnsupportedTag marks a recognized serialization tag whose decoding is
	// deliberately not implemented. The value fails loudly rather than being
	// approximated.
	ErrUnsupportedTag = errors.New("unsupported serialization tag")

	// ErrInconsistentMetadata means an id was redefined incompatibly during
	// the metadata scan. Fatal to catalog construction.
	ErrInconsistentMetadata = errors.New("inconsistent metadata")
)
