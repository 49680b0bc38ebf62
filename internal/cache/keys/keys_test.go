package keys

import (
	"regexp"
	"strings"
	"testing"
	"unicode"

	"github.com/mohammed-shakir/terrain-tile-loader/internal/core/model"
)

const terrarium = "https://s3.amazonaws.com/elevation-tiles-prod/terrarium/{z}/{x}/{y}.png"

func TestDeterminism_SameInputsSameKey(t *testing.T) {
	a := model.TileAddress{LOD: 12, X: 2144, Y: 1434}
	k1 := Key("terrain", a, terrarium)
	k2 := Key(" terrain ", a, terrarium+" ")
	if k1 != k2 {
		t.Fatalf("determinism failed:\n k1=%s\n k2=%s", k1, k2)
	}
	if !strings.HasPrefix(k1, "tile:terrain:12:2144_1434:src=") {
		t.Fatalf("unexpected layout: %s", k1)
	}
	if !regexp.MustCompile(`^[A-Za-z0-9:_=\-]+$`).MatchString(k1) {
		t.Fatalf("key contains disallowed characters: %s", k1)
	}
}

func TestDifference_AddressAndSourceSeparateKeys(t *testing.T) {
	a := model.TileAddress{LOD: 5, X: 3, Y: 2}
	b := model.TileAddress{LOD: 5, X: 2, Y: 3}
	if Key("terrain", a, terrarium) == Key("terrain", b, terrarium) {
		t.Fatalf("x/y swap must produce different keys")
	}
	if Key("terrain", a, terrarium) == Key("terrain", a, "https://other/{z}/{x}/{y}") {
		t.Fatalf("different sources must produce different keys")
	}
}

func TestLayerPrefix_SanitizesSeparatorsAndUnicode(t *testing.T) {
	p := LayerPrefix("dem: Göteborg 雪")
	for _, r := range p {
		if r > unicode.MaxASCII {
			t.Fatalf("non-ASCII rune leaked into prefix: %q in %s", r, p)
		}
	}
	if strings.Count(p, ":") != 2 {
		t.Fatalf("layer must not inject separators: %s", p)
	}
	if LayerPrefix("") != "tile:default:" {
		t.Fatalf("empty layer prefix=%q", LayerPrefix(""))
	}
	k := Key("dem", model.TileAddress{LOD: 1}, terrarium)
	if !strings.HasPrefix(k, LayerPrefix("dem")) {
		t.Fatalf("key %s does not start with its layer prefix", k)
	}
}

func TestFingerprint_HexAndContentSensitive(t *testing.T) {
	f1 := Fingerprint([]byte("abc"))
	if !regexp.MustCompile(`^[0-9a-f]{16}$`).MatchString(f1) {
		t.Fatalf("bad fingerprint %q", f1)
	}
	if f1 == Fingerprint([]byte("abd")) {
		t.Fatalf("fingerprint must change with content")
	}
}
