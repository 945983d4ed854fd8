// File: internal/uitree/simplify.go
package uitree

import (
	"fmt"
	"strings"

	"github.com/beevik/etree"
)

// systemUIPackage is always allowed through package filtering: dialogs and
// permission prompts render under it even while the target app has focus.
const systemUIPackage = "com.android.systemui"

// keepAttrs is the attribute whitelist for oracle-facing trees. Everything
// else (indexes, instance counters, NAF markers) is noise that burns tokens.
var keepAttrs = map[string]bool{
	"text":         true,
	"content-desc": true,
	"resource-id":  true,
	"class":        true,
	"package":      true,
	"clickable":    true,
	"enabled":      true,
	"focusable":    true,
	"scrollable":   true,
	"checkable":    true,
	"checked":      true,
	"password":     true,
	"selected":     true,
	"bounds":       true,
}

// boolAttrs are kept only when "true"; a false boolean carries no signal.
var boolAttrs = map[string]bool{
	"clickable":  true,
	"enabled":    true,
	"focusable":  true,
	"scrollable": true,
	"checkable":  true,
	"checked":    true,
	"password":   true,
	"selected":   true,
}

// Simplify reduces a raw UI-tree dump to the compact form handed to the
// decision oracle: whitelist attributes, drop dead booleans and empty text,
// and truncate at an element boundary when the result exceeds maxChars
// (maxChars <= 0 disables truncation).
func Simplify(xml string, maxChars int) (string, error) {
	if strings.TrimSpace(xml) == "" {
		return "", nil
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromString(xml); err != nil {
		return "", fmt.Errorf("parsing UI tree: %w", err)
	}
	root := doc.Root()
	if root == nil {
		return "", fmt.Errorf("parsing UI tree: document has no root element")
	}

	pruneAttributes(root)

	out, err := doc.WriteToString()
	if err != nil {
		return "", fmt.Errorf("serializing simplified tree: %w", err)
	}
	out = strings.TrimSpace(out)

	if maxChars > 0 && len(out) > maxChars {
		cut := strings.LastIndexByte(out[:maxChars], '>')
		if cut < 0 {
			cut = maxChars - 1
		}
		out = out[:cut+1] + "\n<!-- tree truncated -->"
	}
	return out, nil
}

func pruneAttributes(e *etree.Element) {
	// Snapshot keys first: RemoveAttr mutates the slice we would range over.
	keys := make([]string, 0, len(e.Attr))
	for _, a := range e.Attr {
		keys = append(keys, a.Key)
	}
	for _, key := range keys {
		value := e.SelectAttrValue(key, "")
		switch {
		case !keepAttrs[key]:
			e.RemoveAttr(key)
		case boolAttrs[key] && value != "true":
			e.RemoveAttr(key)
		case (key == "text" || key == "content-desc") && strings.TrimSpace(value) == "":
			e.RemoveAttr(key)
		}
	}
	for _, child := range e.ChildElements() {
		pruneAttributes(child)
	}
}

// FilterPackages removes node subtrees that belong to neither the target
// package, an explicitly allowed package, nor the system UI. It returns the
// filtered XML and the number of subtrees removed. Elements without a
// package attribute are kept; the attribute is inherited structurally in
// UI-tree dumps, so only explicit foreign owners are pruned.
func FilterPackages(xml, targetPackage string, allowed []string) (string, int, error) {
	if strings.TrimSpace(xml) == "" {
		return "", 0, nil
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromString(xml); err != nil {
		return "", 0, fmt.Errorf("parsing UI tree: %w", err)
	}
	root := doc.Root()
	if root == nil {
		return "", 0, fmt.Errorf("parsing UI tree: document has no root element")
	}

	allow := map[string]bool{targetPackage: true, systemUIPackage: true}
	for _, p := range allowed {
		allow[p] = true
	}

	removed := prunePackages(root, allow)

	out, err := doc.WriteToString()
	if err != nil {
		return "", 0, fmt.Errorf("serializing filtered tree: %w", err)
	}
	return strings.TrimSpace(out), removed, nil
}

func prunePackages(e *etree.Element, allow map[string]bool) int {
	removed := 0
	for _, child := range e.ChildElements() {
		pkg := child.SelectAttrValue("package", "")
		if pkg != "" && !allow[pkg] {
			e.RemoveChild(child)
			removed++
			continue
		}
		removed += prunePackages(child, allow)
	}
	return removed
}
