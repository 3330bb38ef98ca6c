package pipeline

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/wegman-software/citytiles-go/internal/slice"
)

func sampleFeature() SlicedFeature {
	return SlicedFeature{
		ID: "bldg-42",
		Geometry: slice.MultiPolygon{
			{
				{{0, 0}, {0, 4096}, {4096, 4096}, {4096, 0}},
				{{1024, 1024}, {2048, 1024}, {2048, 2048}},
			},
			{
				{{-80, -80}, {-80, 10}, {10, 10}},
			},
		},
		Properties: map[string]any{
			"name":   "tower",
			"height": 42.5,
			"attrs":  map[string]any{"usage": "office"},
		},
	}
}

func TestEncodeDecodeFeature(t *testing.T) {
	f := sampleFeature()
	body, err := EncodeFeature(f)
	if err != nil {
		t.Fatalf("EncodeFeature: %v", err)
	}
	got, err := DecodeFeature(body)
	if err != nil {
		t.Fatalf("DecodeFeature: %v", err)
	}
	if diff := cmp.Diff(f, got); diff != "" {
		t.Errorf("round trip mismatch (-want+got):\n%s", diff)
	}
}

func TestFeatureEncoderReusesBuffer(t *testing.T) {
	enc := NewFeatureEncoder(16)
	first, err := enc.Encode(sampleFeature())
	if err != nil {
		t.Fatal(err)
	}
	saved := append([]byte(nil), first...)

	if _, err := enc.Encode(SlicedFeature{ID: "other"}); err != nil {
		t.Fatal(err)
	}
	got, err := DecodeFeature(saved)
	if err != nil {
		t.Fatalf("DecodeFeature(copy): %v", err)
	}
	if got.ID != "bldg-42" {
		t.Errorf("ID = %q, want bldg-42", got.ID)
	}
}

func TestDecodeFeatureRejectsCorruptBodies(t *testing.T) {
	body, err := EncodeFeature(sampleFeature())
	if err != nil {
		t.Fatal(err)
	}

	badVersion := append([]byte(nil), body...)
	badVersion[0] = 9

	hugeCount := append([]byte(nil), body[:10]...)
	hugeCount = append(hugeCount, 0xff, 0xff, 0xff, 0x7f)

	tests := []struct {
		name string
		body []byte
	}{
		{"empty", nil},
		{"truncated", body[:len(body)-3]},
		{"trailing bytes", append(append([]byte(nil), body...), 0)},
		{"unknown version", badVersion},
		{"count past end", hugeCount},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeFeature(tt.body)
			if !errors.Is(err, ErrEncoding) {
				t.Errorf("DecodeFeature error = %v, want ErrEncoding", err)
			}
		})
	}
}

func TestEncodeFeatureRejectsUnencodableProperties(t *testing.T) {
	f := SlicedFeature{ID: "x", Properties: map[string]any{"bad": make(chan int)}}
	if _, err := EncodeFeature(f); !errors.Is(err, ErrEncoding) {
		t.Errorf("EncodeFeature error = %v, want ErrEncoding", err)
	}
}
