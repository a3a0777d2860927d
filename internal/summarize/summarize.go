// Package summarize turns a finished call transcript into a short French
// summary for the support team, using the chat completions API when it is
// configured and a keyword heuristic when it is not.
package summarize

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/wattzhub/voicerelay/internal/transcript"
)

const systemPrompt = `Tu es un assistant qui crée des résumés concis de conversations téléphoniques pour une équipe de support client (bornes de recharge électrique).

Génère un résumé bref et actionnable en français avec:
- Motif de l'appel (1 ligne)
- Problème/Demande du client (1-2 lignes)
- Action effectuée ou suite à donner (1 ligne)`

// Summarizer produces call summaries. A zero-config Summarizer still works:
// it answers with the heuristic summary.
type Summarizer struct {
	endpoint   string
	apiKey     string
	deployment string
	apiVersion string
	client     *http.Client
	log        zerolog.Logger
}

type Config struct {
	Endpoint   string
	APIKey     string
	Deployment string
	APIVersion string
}

func New(cfg Config, log zerolog.Logger) *Summarizer {
	return &Summarizer{
		endpoint:   strings.TrimRight(cfg.Endpoint, "/"),
		apiKey:     cfg.APIKey,
		deployment: cfg.Deployment,
		apiVersion: cfg.APIVersion,
		client: &http.Client{
			Timeout: 20 * time.Second,
		},
		log: log.With().Str("component", "summarize").Logger(),
	}
}

// Summarize returns a short summary of the transcript. Remote failures fall
// back to the heuristic summary rather than erroring the flush.
func (s *Summarizer) Summarize(ctx context.Context, entries []transcript.Entry) (string, error) {
	if len(entries) == 0 {
		return "Aucun message dans la conversation.", nil
	}
	if s.endpoint == "" || s.apiKey == "" {
		return Heuristic(entries), nil
	}

	summary, err := s.remote(ctx, entries)
	if err != nil {
		s.log.Warn().Err(err).Msg("remote summary failed, using heuristic")
		return Heuristic(entries), nil
	}
	return summary, nil
}

func (s *Summarizer) remote(ctx context.Context, entries []transcript.Entry) (string, error) {
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		speaker := "Assistant"
		if e.Role == "user" {
			speaker = "Client"
		}
		lines = append(lines, speaker+": "+e.Text)
	}

	payload := map[string]any{
		"messages": []map[string]string{
			{"role": "system", "content": systemPrompt},
			{"role": "user", "content": strings.Join(lines, "\n")},
		},
		"max_tokens":  250,
		"temperature": 0.3,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s", s.endpoint, s.deployment, s.apiVersion)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("api-key", s.apiKey)
	req.Header.Set("Content-Type", "application/json")

	res, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return "", fmt.Errorf("chat completions status %d: %s", res.StatusCode, string(detail))
	}

	var decoded struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(res.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(decoded.Choices) == 0 || strings.TrimSpace(decoded.Choices[0].Message.Content) == "" {
		return "", fmt.Errorf("empty completion")
	}
	return strings.TrimSpace(decoded.Choices[0].Message.Content), nil
}

// Heuristic builds a deterministic summary from keyword matches over the
// whole transcript. Same input, same output.
func Heuristic(entries []transcript.Entry) string {
	var b strings.Builder
	for i, e := range entries {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(strings.ToLower(e.Text))
	}
	allText := b.String()

	contains := func(words ...string) bool {
		for _, w := range words {
			if strings.Contains(allText, w) {
				return true
			}
		}
		return false
	}

	var need string
	switch {
	case contains("humain", "agent", "parler"):
		need = "Demande de parler à un agent humain"
	case contains("panne", "marche pas", "problème", "erreur"):
		need = "Signalement d'un problème technique"
	case contains("station", "borne"):
		need = "Question sur une borne de recharge"
	case contains("rfid", "badge", "carte"):
		need = "Question sur carte RFID/badge"
	case contains("paiement", "facture"):
		need = "Question sur paiement/facturation"
	case contains("compte", "inscription"):
		need = "Question sur son compte"
	default:
		need = "Demande d'assistance générale"
	}

	var action string
	switch {
	case contains("recontacter", "rappel"):
		action = "Demande de rappel enregistrée"
	case contains("vérifié", "vérification"):
		action = "Vérification effectuée"
	case contains("résolu", "réglé"):
		action = "Problème résolu"
	default:
		action = "Informations fournies"
	}

	summary := "Besoin: " + need + "\nAction: " + action
	if contains("humain", "rappel", "recontacter") {
		summary += "\nRappel humain demandé"
	}
	return summary
}
