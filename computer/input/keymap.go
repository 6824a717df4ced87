package input

import "strings"

// keyAliases maps the key names commonly produced by reasoning services to
// the X keysym names xdotool expects. Unlisted names pass through unchanged.
var keyAliases = map[string]string{
	"enter":     "Return",
	"return":    "Return",
	"esc":       "Escape",
	"escape":    "Escape",
	"tab":       "Tab",
	"backspace": "BackSpace",
	"delete":    "Delete",
	"del":       "Delete",
	"insert":    "Insert",
	"up":        "Up",
	"down":      "Down",
	"left":      "Left",
	"right":     "Right",
	"pageup":    "Page_Up",
	"page_up":   "Page_Up",
	"pagedown":  "Page_Down",
	"page_down": "Page_Down",
	"home":      "Home",
	"end":       "End",
	"space":     "space",
	"cmd":       "super",
	"win":       "super",
	"windows":   "super",
	"control":   "ctrl",
	"option":    "alt",
}

// normalizeCombo rewrites each '+'-separated part of a key combination
// through the alias table so that service-style names like "ctrl+enter"
// become valid xdotool keysym chords.
func normalizeCombo(combo string) string {
	parts := strings.Split(combo, "+")
	for i, p := range parts {
		if alias, ok := keyAliases[strings.ToLower(strings.TrimSpace(p))]; ok {
			parts[i] = alias
		} else {
			parts[i] = strings.TrimSpace(p)
		}
	}
	return strings.Join(parts, "+")
}
