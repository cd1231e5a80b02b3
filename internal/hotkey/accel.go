package hotkey

import (
	"strings"

	"github.com/pkg/errors"
)

type Modifier uint8

const (
	ModShift Modifier = 1 << iota
	ModCtrl
	ModAlt
	ModSuper
)

// Accelerator is a parsed key combination such as "Alt+Shift+R".
type Accelerator struct {
	Mods Modifier
	// Key is the canonical key name: an upper-case letter, a digit, F1-F12,
	// Space, Return, Tab or Escape.
	Key string
}

func (a Accelerator) String() string {
	var parts []string
	for _, m := range []struct {
		mod  Modifier
		name string
	}{{ModCtrl, "Ctrl"}, {ModAlt, "Alt"}, {ModShift, "Shift"}, {ModSuper, "Super"}} {
		if a.Mods&m.mod != 0 {
			parts = append(parts, m.name)
		}
	}
	return strings.Join(append(parts, a.Key), "+")
}

var modifierNames = map[string]Modifier{
	"shift":   ModShift,
	"ctrl":    ModCtrl,
	"control": ModCtrl,
	"alt":     ModAlt,
	"option":  ModAlt,
	"opt":     ModAlt,
	"super":   ModSuper,
	"cmd":     ModSuper,
	"command": ModSuper,
	"meta":    ModSuper,
	"win":     ModSuper,
}

var namedKeys = map[string]string{
	"space":  "Space",
	"enter":  "Return",
	"return": "Return",
	"tab":    "Tab",
	"esc":    "Escape",
	"escape": "Escape",
}

// ParseAccelerator parses "Mod+Mod+Key". Names are case-insensitive.
func ParseAccelerator(s string) (Accelerator, error) {
	var a Accelerator
	parts := strings.Split(s, "+")
	for i, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			return Accelerator{}, errors.Errorf("invalid accelerator %q", s)
		}
		lower := strings.ToLower(p)
		if i < len(parts)-1 {
			m, ok := modifierNames[lower]
			if !ok {
				return Accelerator{}, errors.Errorf("unknown modifier %q in %q", p, s)
			}
			a.Mods |= m
			continue
		}
		key, err := canonicalKey(lower)
		if err != nil {
			return Accelerator{}, errors.Wrapf(err, "accelerator %q", s)
		}
		a.Key = key
	}
	return a, nil
}

func canonicalKey(k string) (string, error) {
	if name, ok := namedKeys[k]; ok {
		return name, nil
	}
	if len(k) == 1 {
		c := k[0]
		switch {
		case c >= 'a' && c <= 'z':
			return strings.ToUpper(k), nil
		case c >= '0' && c <= '9':
			return k, nil
		}
	}
	if len(k) >= 2 && k[0] == 'f' {
		switch k[1:] {
		case "1", "2", "3", "4", "5", "6", "7", "8", "9", "10", "11", "12":
			return "F" + k[1:], nil
		}
	}
	if _, ok := modifierNames[k]; ok {
		return "", errors.New("missing key after modifiers")
	}
	return "", errors.Errorf("unknown key %q", k)
}
