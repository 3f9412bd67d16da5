// Package tmpl implements the tiny {{placeholder}} substitution engine used
// for the error-report email body. It deliberately avoids text/template:
// the grammar is a single non-nested substitution, not worth a template
// engine with its own parsing/execution model.
package tmpl

import "strings"

// Pair is one substitution, kept as an ordered slice (not a map) so that
// render order is deterministic and pairs may repeat a key.
type Pair struct {
	Key   string
	Value string
}

// P is a small constructor to keep call sites readable:
// tmpl.Render(text, tmpl.P("hostname", host), tmpl.P("mountpoint", mp))
func P(key, value string) Pair {
	return Pair{Key: key, Value: value}
}

// Render replaces every occurrence of {{key}} in text with its paired
// value. Unknown placeholders are left intact. A nil-equivalent (empty)
// value substitutes as the empty string. Rendering is idempotent once all
// known placeholders have been resolved, since the replacer only ever
// consumes "{{key}}" tokens and never re-introduces them.
func Render(text string, pairs ...Pair) string {
	if len(pairs) == 0 {
		return text
	}

	oldnew := make([]string, 0, len(pairs)*2)
	for _, p := range pairs {
		oldnew = append(oldnew, "{{"+p.Key+"}}", p.Value)
	}

	return strings.NewReplacer(oldnew...).Replace(text)
}
