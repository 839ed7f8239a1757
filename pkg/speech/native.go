package speech

import "context"

// Native is the platform recognition capability the bridge relays to.
// Implementations own session state, exclusivity and failure reasons.
type Native interface {
	StartListening(ctx context.Context) error
	StopListening(ctx context.Context) error
	Destroy(ctx context.Context) error
	RecognitionLanguage(ctx context.Context) (string, error)
	SetRecognitionLanguage(ctx context.Context, tag string) (bool, error)
	IsRecognitionAvailable(ctx context.Context) (bool, error)
	SupportedLanguages(ctx context.Context) ([]string, error)

	// Attach registers the function the capability pushes events into and
	// returns a function that undoes the registration.
	Attach(emit func(Event)) (detach func())
}
