package security

import (
	"fmt"
	"regexp"

	"github.com/intentgate/intentgate/core"
)

// injectionPatterns capture the prompt-injection families the gateway
// refuses: instruction overrides, role-play prefixes, known markers,
// template-delimiter splices, and embedded HTML/script.
var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore\s+(all\s+|any\s+)?(previous|prior|above|earlier)\s+(instructions?|prompts?|rules?|context)`),
	regexp.MustCompile(`(?i)disregard\s+(all\s+|any\s+)?(previous|prior|above|earlier|your)\s+(instructions?|prompts?|rules?)`),
	regexp.MustCompile(`(?i)forget\s+(everything|all|your)\s+(instructions?|rules?|training)`),
	regexp.MustCompile(`(?i)(you\s+are\s+now|act\s+as|pretend\s+(to\s+be|you\s+are)|roleplay\s+as)\s`),
	regexp.MustCompile(`(?i)new\s+(system\s+)?(instructions?|prompt)\s*:`),
	regexp.MustCompile(`(?i)\bsystem\s*:\s`),
	regexp.MustCompile(`(?i)\bjailbreak\b|\bDAN\s+mode\b|\bdeveloper\s+mode\b`),
	regexp.MustCompile(`\{\{.*\}\}|\{%.*%\}`),
	regexp.MustCompile(`(?i)<\s*/?\s*(script|iframe|img|svg|object|embed)\b`),
}

// restrictedOperations are refused as whole words wherever they appear in
// an intent.
var restrictedOperations = regexp.MustCompile(`(?i)\b(delete|drop|truncate|format|wipe|destroy)\b`)

// Guardrail screens intents before any planning happens. Patterns compile
// once at construction via the package-level sets.
type Guardrail struct {
	maxIntentBytes int
	logger         core.Logger
}

// NewGuardrail creates a guardrail. maxIntentBytes <= 0 uses the 8 KiB
// default.
func NewGuardrail(config core.GuardrailConfig, logger core.Logger) *Guardrail {
	max := config.MaxIntentBytes
	if max <= 0 {
		max = 8192
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Guardrail{maxIntentBytes: max, logger: logger}
}

// Check screens one intent for one user. The returned error wraps the
// sentinel identifying the refusal reason, or nil when admitted.
func (g *Guardrail) Check(userID, intent string) error {
	if userID == "" {
		return fmt.Errorf("empty user id: %w", core.ErrInvalidIntent)
	}
	if intent == "" {
		return fmt.Errorf("empty intent: %w", core.ErrInvalidIntent)
	}
	if len(intent) > g.maxIntentBytes {
		return fmt.Errorf("intent exceeds %d bytes: %w", g.maxIntentBytes, core.ErrInvalidIntent)
	}

	for _, pattern := range injectionPatterns {
		if pattern.MatchString(intent) {
			g.logger.Warn("Prompt injection detected", map[string]interface{}{
				"operation": "guardrail_check",
				"user_id":   userID,
				"pattern":   pattern.String(),
			})
			return fmt.Errorf("intent matched injection pattern: %w", core.ErrPromptInjection)
		}
	}

	if match := restrictedOperations.FindString(intent); match != "" {
		g.logger.Warn("Sensitive operation detected", map[string]interface{}{
			"operation": "guardrail_check",
			"user_id":   userID,
			"match":     match,
		})
		return fmt.Errorf("intent contains restricted operation %q: %w", match, core.ErrSensitiveOperation)
	}

	return nil
}
