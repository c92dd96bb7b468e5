package translate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/polydub/polydub-core/internal/config"
)

// lingoTranslator calls the lingo.dev localization engine.
type lingoTranslator struct {
	cfg    config.TranslationConfig
	client *http.Client
}

func NewLingoTranslator(cfg config.TranslationConfig) Translator {
	return &lingoTranslator{cfg: cfg, client: http.DefaultClient}
}

type lingoRequest struct {
	Params lingoParams `json:"params"`
	Locale lingoLocale `json:"locale"`
	Data   lingoData   `json:"data"`
}

type lingoParams struct {
	Fast bool `json:"fast"`
}

type lingoLocale struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

type lingoData struct {
	Text string `json:"text"`
}

type lingoResponse struct {
	Data lingoData `json:"data"`
}

func (t *lingoTranslator) Translate(ctx context.Context, text, sourceLang, targetLang string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", nil
	}

	payload := lingoRequest{
		Params: lingoParams{Fast: t.cfg.Fast},
		Locale: lingoLocale{Source: sourceLang, Target: targetLang},
		Data:   lingoData{Text: text},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.Endpoint+"/i18n", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+t.cfg.APIKey)

	resp, err := t.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("lingo returned status %s", resp.Status)
	}

	var decoded lingoResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("decode lingo response: %w", err)
	}
	return decoded.Data.Text, nil
}
