// perlcomplete/sigil.go
// Decides which completion method applies at the cursor.
package perlcomplete

import (
	"fmt"
	"unicode"
)

// CompletionContext is what the text before the cursor says about the wanted completion.
type CompletionContext struct {
	Sigil  byte   // '$', '@', '%' for variables; 0 for subroutines.
	Prefix string // Identifier characters typed so far.
}

// Method returns the request method for c.
func (c CompletionContext) Method() Method {
	if c.Sigil != 0 {
		return MethodAutocompleteVariable
	}
	return MethodAutocompleteSubroutine
}

// DetectCompletionContext inspects line up to the 1-based character column col.
// "$#name" asks for arrays, so it maps to '@'.
func DetectCompletionContext(line string, col int) (CompletionContext, error) {
	runes := []rune(line)
	if col < 1 || col > len(runes)+1 {
		return CompletionContext{}, fmt.Errorf("%w: column %d outside line of length %d", ErrInvalidPosition, col, len(runes))
	}
	end := col - 1
	start := end
	for start > 0 && isIdentRune(runes[start-1]) {
		start--
	}
	ctx := CompletionContext{Prefix: string(runes[start:end])}
	if start == 0 {
		return ctx, nil
	}
	switch r := runes[start-1]; r {
	case '$', '@', '%':
		ctx.Sigil = byte(r)
	case '#':
		if start >= 2 && runes[start-2] == '$' {
			ctx.Sigil = '@'
		}
	}
	return ctx, nil
}

// isIdentRune accepts Perl identifier characters, including the :: package separator.
func isIdentRune(r rune) bool {
	return r == '_' || r == ':' || unicode.IsLetter(r) || unicode.IsDigit(r)
}
