// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"cmp"
	"slices"
	"strconv"
	"strings"
)

// Source is a retrieved document attached to a finalized assistant message.
// Sources are immutable once attached.
type Source struct {
	DocumentID     string  `json:"document_id"`
	Title          string  `json:"title,omitempty"`
	Partie         *int    `json:"partie,omitempty"`
	Chapitre       *int    `json:"chapitre,omitempty"`
	DocumentType   string  `json:"document_type,omitempty"`
	RelevanceScore float64 `json:"relevance_score"`
	Preview        string  `json:"preview,omitempty"`
}

// Location renders the structural position, e.g. "Partie 2, Chapitre 3".
func (s Source) Location() string {
	var parts []string
	if s.Partie != nil {
		parts = append(parts, "Partie "+strconv.Itoa(*s.Partie))
	}
	if s.Chapitre != nil {
		parts = append(parts, "Chapitre "+strconv.Itoa(*s.Chapitre))
	}
	return strings.Join(parts, ", ")
}

// DisplayTitle returns the title or, failing that, the document id.
func (s Source) DisplayTitle() string {
	if s.Title != "" {
		return s.Title
	}
	return s.DocumentID
}

// SortSources returns a copy of src ordered by relevance descending. Equal
// scores keep their original order.
func SortSources(src []Source) []Source {
	out := slices.Clone(src)
	slices.SortStableFunc(out, func(a, b Source) int {
		return cmp.Compare(b.RelevanceScore, a.RelevanceScore)
	})
	return out
}
