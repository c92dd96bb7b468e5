package translate

import (
	"context"
	"fmt"
	"strings"
)

// Mock translator for tests and dev mode. Output is mechanical
// ("[target] text") unless an explicit phrase mapping matches, and target
// languages listed in FailFor return an error to exercise fault isolation.
type Mock struct {
	Phrases map[string]string // "src->dst:text" -> translation
	FailFor map[string]bool
}

func NewMock() *Mock {
	return &Mock{}
}

func (m *Mock) Translate(_ context.Context, text, sourceLang, targetLang string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", nil
	}
	if m.FailFor[targetLang] {
		return "", fmt.Errorf("mock translation failure for %s", targetLang)
	}
	if phrase, ok := m.Phrases[sourceLang+"->"+targetLang+":"+text]; ok {
		return phrase, nil
	}
	return "[" + targetLang + "] " + text, nil
}
