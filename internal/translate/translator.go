package translate

import "context"

// Translator converts one finalized utterance between languages. Callers treat
// errors as degraded rather than fatal: the relay falls back to the original
// text so a broken translation backend never silences a broadcast.
type Translator interface {
	Translate(ctx context.Context, text, sourceLang, targetLang string) (string, error)
}
