package screenshare

import "errors"

var (
	// ErrPresenterExists rejects a second SEND start while a presenter
	// endpoint is live for the voice bridge.
	ErrPresenterExists = errors.New("a presenter endpoint already exists for this voice bridge")

	// ErrNoPresenter rejects a viewer start before any presenter published.
	ErrNoPresenter = errors.New("no presenter endpoint exists for this voice bridge")

	ErrUnknownRole = errors.New("unknown screenshare role")

	// ErrTranscoderTimeout resolves a transcoder exchange whose reply
	// never arrived; callers fall back to the no-transcoder path.
	ErrTranscoderTimeout = errors.New("transcoder reply timed out")
)
