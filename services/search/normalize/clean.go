// Copyright (C) 2025 Suplo Health (oss@suplo.health)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding attribution and trademarks.

package normalize

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// stripMarks decomposes to NFD, removes combining marks, and recomposes.
// "vitamína" and "vitamina" fold to the same bytes afterwards.
var stripMarks = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Clean folds raw input into the dictionary key form: accent-stripped,
// lowercased, inner whitespace collapsed to single spaces, outer whitespace
// trimmed.
//
// Clean is pure and idempotent; it is both the first pipeline stage and the
// fold function under which the dictionary is indexed, so a cleaned string
// and its dictionary key are always the same bytes.
func Clean(s string) string {
	folded, _, err := transform.String(stripMarks, s)
	if err != nil {
		// Malformed input transforms best-effort; the original bytes still
		// normalize deterministically.
		folded = s
	}
	folded = strings.ToLower(folded)
	return strings.Join(strings.Fields(folded), " ")
}

// TitleCase capitalizes the first letter of each word per English casing
// rules. Hyphens and apostrophes are word boundaries, so "l-carnitine"
// becomes "L-Carnitine" and "st john's wort" becomes "St John's Wort".
//
// A fresh Caser is built per call; x/text casers carry internal buffers and
// are not safe to share across goroutines.
func TitleCase(s string) string {
	return cases.Title(language.English).String(s)
}
