package translate

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/kstaniek/cot-relay/internal/cot"
	"github.com/kstaniek/cot-relay/internal/mesh"
)

func sampleCotXML(uid string) []byte {
	ev := cot.New(uid, "a-f-G-U-C", time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC), 5*time.Minute, cot.Point{
		Lat: 37.7749, Lon: -122.4194, Hae: 10, Ce: 10, Le: 10,
	})
	return cot.Encode(ev)
}

func TestToMeshSampleEventIsChunkedAndCarriesRawCot(t *testing.T) {
	raw := sampleCotXML("client-1-marker")
	packets, err := ToMesh(raw, nil)
	if err != nil {
		t.Fatalf("ToMesh: %v", err)
	}
	// The sample event's XML alone is 278 bytes, so its TAK packet exceeds
	// MaxDataSize and travels as two chunks.
	if len(packets) != 2 {
		t.Fatalf("expected 2 chunked packets for the sample event, got %d", len(packets))
	}
	r := mesh.NewReassembler()
	var full []byte
	var done bool
	for _, p := range packets {
		if p.To != 0xffffffff || !p.WantAck || p.Priority != mesh.PriorityReliable {
			t.Fatalf("unexpected chunked-packet framing: %+v", p)
		}
		c, err := mesh.UnmarshalChunkedPayload(p.Decoded.Payload)
		if err != nil {
			t.Fatalf("unmarshal chunk: %v", err)
		}
		full, done, err = r.Add(c)
		if err != nil {
			t.Fatalf("reassemble: %v", err)
		}
	}
	if !done {
		t.Fatal("expected the chunks to reassemble")
	}
	tak, err := mesh.UnmarshalTAKPacket(full)
	if err != nil {
		t.Fatalf("unmarshal tak: %v", err)
	}
	if !bytes.Equal(tak.Cot, raw) {
		t.Fatalf("raw cot not preserved in tak packet")
	}
	if tak.ContactUID != "client-1-marker" || tak.ContactCallsign != "client-1-marker" {
		t.Fatalf("unexpected contact identity: %+v", tak)
	}
}

func TestFromDataTakWithCotReturnsVerbatim(t *testing.T) {
	raw := sampleCotXML("client-2-marker")
	tak := &mesh.TAKPacket{ContactUID: "client-2-marker", ContactCallsign: "client-2-marker", Cot: raw}
	got, err := FromData(&mesh.Data{Portnum: mesh.PortNumAtakForwarder, Payload: tak.Marshal()}, 0)
	if err != nil {
		t.Fatalf("FromData: %v", err)
	}
	if !bytes.Equal(got, raw) {
		t.Fatalf("expected verbatim cot round trip, got %q", got)
	}
}

func TestFromDataTakWithoutCotSynthesizesPLI(t *testing.T) {
	tak := &mesh.TAKPacket{
		ContactUID:      "synthetic-uid",
		ContactCallsign: "SYNTH-1",
		PLI:             &mesh.PLI{Latitude: 1.5, Longitude: 2.5, Altitude: 20},
	}
	got, err := takToCot(tak.Marshal())
	if err != nil {
		t.Fatalf("takToCot: %v", err)
	}
	ev, err := cot.Decode(got)
	if err != nil {
		t.Fatalf("decode synthesized cot: %v", err)
	}
	if ev.UID != "synthetic-uid" || ev.Type != "a-f-G-U-C" {
		t.Fatalf("unexpected synthesized identity: %+v", ev)
	}
	if ev.Point.Lat != 1.5 || ev.Point.Lon != 2.5 || ev.Point.Hae != 20 {
		t.Fatalf("unexpected synthesized point: %+v", ev.Point)
	}
	if !strings.Contains(ev.Detail, `callsign="SYNTH-1"`) || !strings.Contains(ev.Detail, `Droid="SYNTH-1"`) {
		t.Fatalf("expected callsign and Droid attribute both set to callsign, got %q", ev.Detail)
	}
}

func TestPositionToCotSynthesizesFromFixedPointCoordinates(t *testing.T) {
	pos := &mesh.Position{LatitudeI: 377749000, LongitudeI: -1224194000, Altitude: 10}
	got, err := positionToCot(pos.Marshal(), 0x12345678)
	if err != nil {
		t.Fatalf("positionToCot: %v", err)
	}
	ev, err := cot.Decode(got)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.UID != "MESHTASTIC-305419896" {
		t.Fatalf("expected uid MESHTASTIC-305419896, got %q", ev.UID)
	}
	if !strings.Contains(ev.Detail, `callsign="Mesh-12345678"`) {
		t.Fatalf("expected callsign Mesh-12345678, got %q", ev.Detail)
	}
	if ev.Point.Lat != 37.7749 || ev.Point.Lon != -122.4194 || ev.Point.Hae != 10 {
		t.Fatalf("unexpected coordinates: %+v", ev.Point)
	}
}

func TestChatToCotCarriesTextAndSenderIdentity(t *testing.T) {
	got := chatToCot("hello mesh", 0x12345678)
	ev, err := cot.Decode(got)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Type != "b-t-f" || ev.How != "h-e" {
		t.Fatalf("unexpected geochat identity: %+v", ev)
	}
	if !strings.Contains(ev.Detail, "hello mesh") {
		t.Fatalf("expected message text in detail, got %q", ev.Detail)
	}
	if !strings.Contains(ev.Detail, `uid0="MESHTASTIC-305419896"`) {
		t.Fatalf("expected sender uid in chatgrp, got %q", ev.Detail)
	}
}

func TestToMeshChunksLargeEventAndReassembles(t *testing.T) {
	bigDetail := "<remarks>" + strings.Repeat("x", 600) + "</remarks>"
	ev := cot.New("client-big", "a-f-G-U-C", time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC), 5*time.Minute, cot.Point{
		Lat: 1, Lon: 2, Hae: 3, Ce: 4, Le: 5,
	})
	ev.Detail = bigDetail
	raw := cot.Encode(ev)

	packets, err := ToMesh(raw, nil)
	if err != nil {
		t.Fatalf("ToMesh: %v", err)
	}
	if len(packets) < 2 {
		t.Fatalf("expected the oversized event to be chunked, got %d packet(s)", len(packets))
	}
	for _, p := range packets {
		if !p.WantAck || p.Priority != mesh.PriorityReliable {
			t.Fatalf("expected reliable want-ack framing for chunked packets: %+v", p)
		}
		if len(p.Decoded.Payload) > mesh.MaxDataSize {
			t.Fatalf("chunk payload exceeds MaxDataSize: %d", len(p.Decoded.Payload))
		}
	}

	r := mesh.NewReassembler()
	var full []byte
	var ok bool
	// Replay in reverse to exercise arrival-order independence end to end.
	order := make([]int, len(packets))
	for i := range order {
		order[i] = len(packets) - 1 - i
	}
	for _, idx := range order {
		c, err := mesh.UnmarshalChunkedPayload(packets[idx].Decoded.Payload)
		if err != nil {
			t.Fatalf("unmarshal chunk: %v", err)
		}
		full, ok, err = r.Add(c)
		if err != nil {
			t.Fatalf("reassemble: %v", err)
		}
	}
	if !ok {
		t.Fatal("expected reassembly to complete")
	}
	tak, err := mesh.UnmarshalTAKPacket(full)
	if err != nil {
		t.Fatalf("unmarshal reassembled tak: %v", err)
	}
	if !bytes.Equal(tak.Cot, raw) {
		t.Fatalf("reassembled cot does not match original")
	}
}
