package loader

import (
	"errors"

	"github.com/fedora-ci/kaijs/internal/koji"
	"github.com/fedora-ci/kaijs/internal/router"
	"github.com/fedora-ci/kaijs/internal/schemas"
)

// Sentinel errors for envelope processing. The consumer loop dispatches on
// three classes: sideline errors are recorded and the envelope committed,
// retryable errors roll the envelope back for redelivery, anything else is
// fatal.
var (
	// ErrBadArtifact is returned when the body carries no usable artifact
	// identity. Sideline-class.
	ErrBadArtifact = errors.New("body carries no usable artifact identity")

	// ErrDocNotFound is returned by stores when no document exists for an
	// identity.
	ErrDocNotFound = errors.New("artifact document not found")

	// ErrDocExists is returned by Create when a concurrent writer persisted
	// the identity first; the updater retries as a lost race.
	ErrDocExists = errors.New("artifact document already exists")

	// ErrUpdateExhausted is returned when the compare-and-swap loop loses
	// maxAttempts races in a row. Fatal.
	ErrUpdateExhausted = errors.New("update attempts exhausted")

	// ErrBulkFlushFailed is returned when a bulk flush is rejected by the
	// indexed store. Fatal; the accumulated envelopes have been rolled back.
	ErrBulkFlushFailed = errors.New("bulk flush failed")
)

// IsInvalid reports whether err sidelines the envelope to the invalid
// store: schema rejection, missing thread identity, bad timestamp or topic
// anatomy, or an unusable artifact identity.
func IsInvalid(err error) bool {
	var verr *schemas.ValidationError
	if errors.As(err, &verr) {
		return true
	}

	return errors.Is(err, router.ErrNoThreadID) ||
		errors.Is(err, router.ErrBadTimestamp) ||
		errors.Is(err, router.ErrBadTopic) ||
		errors.Is(err, ErrBadArtifact)
}

// IsUnknownTopic reports whether err sidelines the envelope to the
// unknown-topic store.
func IsUnknownTopic(err error) bool {
	return errors.Is(err, router.ErrNoHandler)
}

// IsRetryable reports whether err warrants rolling the envelope back for
// redelivery on a later pop, rather than sidelining or dying.
func IsRetryable(err error) bool {
	return errors.Is(err, koji.ErrQueryFailed)
}
