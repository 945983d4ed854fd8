// File: internal/uitree/hash.go
// Description: Screen fingerprinting. A screen's identity is the composite of
// a structural hash over its UI-tree XML and a perceptual hash over its
// rendered screenshot.
package uitree

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"strings"

	"github.com/corona10/goimagehash"
)

// Hash sentinels for missing or unhashable inputs. They participate in
// composite hashes like ordinary values but are never similar to anything.
const (
	NoXMLSentinel     = "no_xml"
	NoImageSentinel   = "no_image"
	HashErrorSentinel = "hash_error"
)

// SentinelDistance is the distance reported for any comparison involving a
// sentinel or unparsable hash: far beyond any sane similarity threshold.
const SentinelDistance = 1000

// XMLHash returns the SHA-256 hex digest of the raw UI-tree XML.
func XMLHash(xml string) string {
	if strings.TrimSpace(xml) == "" {
		return NoXMLSentinel
	}
	sum := sha256.Sum256([]byte(xml))
	return hex.EncodeToString(sum[:])
}

// VisualHash returns the perceptual hash of an encoded screenshot, in the
// serialized "p:<hex>" form.
func VisualHash(img []byte) string {
	if len(img) == 0 {
		return NoImageSentinel
	}
	decoded, _, err := image.Decode(bytes.NewReader(img))
	if err != nil {
		return HashErrorSentinel
	}
	hash, err := goimagehash.PerceptionHash(decoded)
	if err != nil {
		return HashErrorSentinel
	}
	return hash.ToString()
}

// VisualDistance returns the Hamming distance between two serialized visual
// hashes. Sentinels and malformed values compare as SentinelDistance so they
// can never merge with a real screen.
func VisualDistance(a, b string) int {
	if isSentinel(a) || isSentinel(b) {
		return SentinelDistance
	}
	ha, err := goimagehash.ImageHashFromString(a)
	if err != nil {
		return SentinelDistance
	}
	hb, err := goimagehash.ImageHashFromString(b)
	if err != nil {
		return SentinelDistance
	}
	d, err := ha.Distance(hb)
	if err != nil {
		return SentinelDistance
	}
	return d
}

// CompositeHash is the dedup key: structural and visual identity joined.
func CompositeHash(xmlHash, visualHash string) string {
	return xmlHash + "_" + visualHash
}

// ShortVisualHash returns a filename-friendly fragment of a visual hash:
// the kind prefix is dropped and the value truncated to eight characters.
func ShortVisualHash(visualHash string) string {
	if i := strings.IndexByte(visualHash, ':'); i >= 0 {
		visualHash = visualHash[i+1:]
	}
	if len(visualHash) > 8 {
		return visualHash[:8]
	}
	return visualHash
}

func isSentinel(h string) bool {
	switch h {
	case NoXMLSentinel, NoImageSentinel, HashErrorSentinel, "":
		return true
	}
	return false
}
