// Package translate converts between Cursor-on-Target events and the
// mesh packet set: CoT events become TAK packets (chunked when large),
// and incoming position, text, and TAK payloads are turned back into CoT
// events, synthesizing one when the far end sent only raw coordinates.
package translate

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kstaniek/cot-relay/internal/cot"
	"github.com/kstaniek/cot-relay/internal/mesh"
)

// ErrConversion marks a CoT<->mesh translation failure (bad payload, a
// TAK packet missing both cot and pli, or an undecodable text payload).
var ErrConversion = errors.New("translate: conversion error")

const destBroadcast = 0xffffffff

// ToMesh converts a CoT XML document into one or more mesh packets
// addressed to destNode (broadcast if nil). The packet carries the raw
// CoT bytes verbatim plus a PLI fallback, so a receiver that cannot use
// the embedded XML can still reconstruct a position marker.
func ToMesh(cotXML []byte, destNode *uint32) ([]*mesh.MeshPacket, error) {
	ev, err := cot.Decode(cotXML)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConversion, err)
	}

	tak := &mesh.TAKPacket{
		IsCompressed:    false,
		ContactUID:      ev.UID,
		ContactCallsign: ev.UID,
		PLI: &mesh.PLI{
			Latitude:  ev.Point.Lat,
			Longitude: ev.Point.Lon,
			Altitude:  int32(ev.Point.Hae),
		},
		Cot: cotXML,
	}

	dest := resolveDest(destNode)
	payload := tak.Marshal()

	if len(payload) <= mesh.MaxDataSize {
		return []*mesh.MeshPacket{singlePacket(payload, dest)}, nil
	}
	return chunkedPackets(payload, dest), nil
}

func resolveDest(destNode *uint32) uint32 {
	if destNode == nil {
		return destBroadcast
	}
	return *destNode
}

func singlePacket(payload []byte, dest uint32) *mesh.MeshPacket {
	return &mesh.MeshPacket{
		To: dest,
		Decoded: &mesh.Data{
			Portnum: mesh.PortNumAtakForwarder,
			Payload: payload,
			Dest:    dest,
		},
		HopLimit: 3,
		WantAck:  false,
		Priority: mesh.PriorityDefault,
	}
}

func chunkedPackets(payload []byte, dest uint32) []*mesh.MeshPacket {
	chunks := mesh.Split(payload, mesh.NewPayloadID())
	packets := make([]*mesh.MeshPacket, 0, len(chunks))
	for _, c := range chunks {
		packets = append(packets, &mesh.MeshPacket{
			To: dest,
			Decoded: &mesh.Data{
				Portnum: mesh.PortNumAtakForwarder,
				Payload: c.Marshal(),
				Dest:    dest,
			},
			HopLimit: 3,
			WantAck:  true,
			Priority: mesh.PriorityReliable,
		})
	}
	return packets
}

// FromData converts a decoded Data payload received from node from into
// one CoT XML document, or returns an error. It does not handle chunk
// fragments: the caller reassembles a chunked payload first.
func FromData(d *mesh.Data, from uint32) ([]byte, error) {
	switch d.Portnum {
	case mesh.PortNumAtakForwarder, mesh.PortNumAtakPlugin:
		return takToCot(d.Payload)
	case mesh.PortNumPosition:
		return positionToCot(d.Payload, from)
	case mesh.PortNumTextMessage:
		return chatToCot(string(d.Payload), from), nil
	default:
		return nil, fmt.Errorf("%w: unhandled portnum %d", ErrConversion, d.Portnum)
	}
}

func takToCot(payload []byte) ([]byte, error) {
	tak, err := mesh.UnmarshalTAKPacket(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConversion, err)
	}
	if len(tak.Cot) > 0 {
		return tak.Cot, nil
	}
	if tak.PLI != nil {
		return buildPLICot(tak.ContactUID, tak.ContactCallsign, tak.PLI.Latitude, tak.PLI.Longitude, float64(tak.PLI.Altitude)), nil
	}
	return nil, fmt.Errorf("%w: tak packet has neither cot nor pli", ErrConversion)
}

func positionToCot(payload []byte, nodeID uint32) ([]byte, error) {
	pos, err := mesh.UnmarshalPosition(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConversion, err)
	}
	lat := float64(pos.LatitudeI) / 1e7
	lon := float64(pos.LongitudeI) / 1e7
	uid := fmt.Sprintf("MESHTASTIC-%d", nodeID)
	callsign := fmt.Sprintf("Mesh-%08X", nodeID)
	return buildPLICot(uid, callsign, lat, lon, float64(pos.Altitude)), nil
}

// buildPLICot renders the synthetic position-location-information event
// template: contact/uid-Droid/precisionlocation/track/status detail
// elements in the exact shape the translator this core is ported from
// emits, including the Droid attribute carrying the callsign rather than
// the uid.
func buildPLICot(uid, callsign string, lat, lon, alt float64) []byte {
	now := time.Now().UTC()
	ev := cot.New(uid, "a-f-G-U-C", now, 5*time.Minute, cot.Point{
		Lat: lat, Lon: lon, Hae: alt, Ce: 10.0, Le: 10.0,
	})
	ev.Detail = fmt.Sprintf(
		`<contact callsign="%s" /><uid Droid="%s"/><precisionlocation altsrc="???" geopointsrc="???"/><track course="0.0" speed="0.0"/><status battery="100"/>`,
		callsign, callsign,
	)
	return cot.Encode(ev)
}

// chatToCot renders a GeoChat-shaped event carrying text, addressed to
// "All Chat Rooms", with the sender identified as a synthetic mesh uid.
func chatToCot(text string, fromNode uint32) []byte {
	uid := fmt.Sprintf("MESHTASTIC-%d", fromNode)
	callsign := fmt.Sprintf("Mesh-%08X", fromNode)
	now := time.Now().UTC()
	ev := cot.New(uuid.NewString(), "b-t-f", now, 10*time.Minute, cot.Point{
		Lat: 0, Lon: 0, Hae: 0, Ce: 999999.0, Le: 999999.0,
	})
	ev.How = "h-e"
	timestamp := now.Format("2006-01-02T15:04:05.000Z")
	ev.Detail = fmt.Sprintf(
		`<__chat id="%s" chatroom="All Chat Rooms"><chatgrp uid0="%s" uid1="All Chat Rooms" id="All Chat Rooms"/></__chat><link uid="%s" relation="p-p" type="a-f-G-U-C"/><remarks source="BAO.F.ATAK.%s" time="%s">%s</remarks>`,
		uuid.NewString(), uid, uid, callsign, timestamp, text,
	)
	return cot.Encode(ev)
}
