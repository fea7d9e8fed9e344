// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package i18n holds the user-visible strings written into transcripts and
// printed by the CLI. French is the default, English is available.
package i18n

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/message/catalog"
)

// Message keys.
const (
	InterruptedByUser  = "interrupted.user"
	InterruptedByError = "interrupted.error"
	ApologyError       = "apology.error"
	ApologyCancelled   = "apology.cancelled"

	PhaseConnecting = "phase.connecting"
	PhaseRetrieving = "phase.retrieving"
	PhaseAnalyzing  = "phase.analyzing"
	PhaseGenerating = "phase.generating"

	LabelSources   = "label.sources"
	LabelYou       = "label.you"
	LabelAssistant = "label.assistant"
	NoSources      = "label.no_sources"
)

var entries = map[string]map[language.Tag]string{
	InterruptedByUser: {
		language.French:  "(interrompu par l'utilisateur)",
		language.English: "(interrupted by user)",
	},
	InterruptedByError: {
		language.French:  "(interrompu par une erreur)",
		language.English: "(interrupted by error)",
	},
	ApologyError: {
		language.French:  "Désolé, une erreur s'est produite lors de la génération de la réponse. Veuillez réessayer.",
		language.English: "Sorry, an error occurred while generating the answer. Please try again.",
	},
	ApologyCancelled: {
		language.French:  "Désolé, la génération a été interrompue avant de produire une réponse.",
		language.English: "Sorry, generation was interrupted before an answer was produced.",
	},
	PhaseConnecting: {
		language.French:  "Connexion...",
		language.English: "Connecting...",
	},
	PhaseRetrieving: {
		language.French:  "Recherche des documents pertinents...",
		language.English: "Retrieving relevant documents...",
	},
	PhaseAnalyzing: {
		language.French:  "Analyse du contexte...",
		language.English: "Analyzing context...",
	},
	PhaseGenerating: {
		language.French:  "Génération de la réponse...",
		language.English: "Generating the answer...",
	},
	LabelSources: {
		language.French:  "Sources",
		language.English: "Sources",
	},
	LabelYou: {
		language.French:  "Vous",
		language.English: "You",
	},
	LabelAssistant: {
		language.French:  "Assistant",
		language.English: "Assistant",
	},
	NoSources: {
		language.French:  "Aucune source pour cette réponse.",
		language.English: "No sources for this answer.",
	},
}

var (
	supported = []language.Tag{language.French, language.English}
	matcher   = language.NewMatcher(supported)
	cat       = buildCatalog()
)

func buildCatalog() catalog.Catalog {
	b := catalog.NewBuilder(catalog.Fallback(language.French))
	for key, byLang := range entries {
		for tag, text := range byLang {
			// SetString only fails on an invalid message, not for plain text.
			_ = b.SetString(tag, key, text)
		}
	}
	return b
}

// Localizer renders catalog messages in one language.
type Localizer struct {
	tag     language.Tag
	printer *message.Printer
}

// New returns a Localizer for lang (a BCP 47 tag such as "fr" or "en-GB").
// Unknown or empty tags fall back to French.
func New(lang string) *Localizer {
	tag := language.French
	if lang != "" {
		if parsed, err := language.Parse(lang); err == nil {
			_, idx, _ := matcher.Match(parsed)
			tag = supported[idx]
		}
	}
	return &Localizer{
		tag:     tag,
		printer: message.NewPrinter(tag, message.Catalog(cat)),
	}
}

// Lang returns the resolved language tag.
func (l *Localizer) Lang() string {
	return l.tag.String()
}

// T returns the message for key.
func (l *Localizer) T(key string) string {
	return l.printer.Sprintf(key)
}

// Phase returns the label for a progress phase reported by the backend.
// Unknown phases are returned unchanged.
func (l *Localizer) Phase(phase string) string {
	switch phase {
	case "":
		return l.T(PhaseConnecting)
	case "retrieving":
		return l.T(PhaseRetrieving)
	case "analyzing":
		return l.T(PhaseAnalyzing)
	case "generating":
		return l.T(PhaseGenerating)
	default:
		return phase
	}
}
