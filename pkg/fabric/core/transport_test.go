package core

import (
	"testing"

	"github.com/sigmap/fabric/pkg/fabric/types"
)

func TestJSONCodec_RoundTrip(t *testing.T) {
	c := JSONCodec{}
	msg := types.Message{Path: "/who"}
	data, err := c.Encode(msg, "127.0.0.1:9999")
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	decoded, from, err := c.Decode(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if decoded.Path != "/who" {
		t.Fatalf("expected path /who, got %s", decoded.Path)
	}
	if from != "127.0.0.1:9999" {
		t.Fatalf("expected from preserved, got %s", from)
	}
}

func TestCandidateInterfaces_Order(t *testing.T) {
	names := CandidateInterfaces()
	if names[0] != "eth0" {
		t.Fatalf("expected eth0 first, got %s", names[0])
	}
	if names[len(names)-1] != "lo" {
		t.Fatalf("expected lo last, got %s", names[len(names)-1])
	}
}
