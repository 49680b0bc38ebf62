// Package keys renders the Redis keys of the shared tile tier.
package keys

import (
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/mohammed-shakir/terrain-tile-loader/internal/core/model"
)

const namespace = "tile"

// Key renders "tile:{layer}:{lod}:{x}_{y}:src={hash}". The source hash
// (xxhash64 of the upstream template) keeps tiles of different upstreams
// apart under one layer.
func Key(layer string, addr model.TileAddress, source string) string {
	return fmt.Sprintf("%s%d:%d_%d:src=%016x",
		LayerPrefix(layer), addr.LOD, addr.X, addr.Y, xxhash.Sum64String(strings.TrimSpace(source)))
}

// LayerPrefix is the prefix shared by every key of layer.
func LayerPrefix(layer string) string {
	l := sanitizeLayer(strings.TrimSpace(layer))
	if l == "" {
		l = "default"
	}
	return namespace + ":" + l + ":"
}

// Fingerprint is the hex xxhash64 of a payload, used for ETags.
func Fingerprint(b []byte) string {
	return fmt.Sprintf("%016x", xxhash.Sum64(b))
}

func sanitizeLayer(s string) string {
	if s == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(s))
	var prev rune
	for _, r := range s {
		out := rune(0)
		switch {
		case r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '\v' || r == '\f':
			out = '_'
		case isAlphaNum(r) || r == '_' || r == '-':
			out = r
		default:
			out = '-'
		}
		if (out == '_' || out == '-') && out == prev {
			continue
		}
		b.WriteRune(out)
		prev = out
	}
	return b.String()
}

func isAlphaNum(r rune) bool {
	return (r >= 'a' && r <= 'z') ||
		(r >= 'A' && r <= 'Z') ||
		(r >= '0' && r <= '9')
}
