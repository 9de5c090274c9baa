package pixles

import (
	"encoding/json"
	"regexp"

	"golang.org/x/exp/slices"
)

// wire protocol: JSON envelopes over a persistent websocket

const (
	// server -> client
	MessageSnapshot      = "snapshot"
	MessageRoster        = "roster"
	MessagePeerJoined    = "peer-joined"
	MessagePeerCursor    = "peer-cursor"
	MessagePeerLeft      = "peer-left"
	MessageCellChanged   = "cell-changed"
	MessageCellsChanged  = "cells-changed"
	MessageCanvasCleared = "canvas-cleared"
	MessagePlaceDenied   = "place-denied"

	// client -> server
	MessageIdentify   = "identify"
	MessageCursor     = "cursor"
	MessagePlaceCell  = "place-cell"
	MessagePlaceCells = "place-cells"
	MessageWipe       = "wipe"
)

type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func EncodeMessage(messageType string, payload any) ([]byte, error) {
	envelope := Envelope{
		Type: messageType,
	}
	if payload != nil {
		payloadBytes, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		envelope.Payload = payloadBytes
	}
	return json.Marshal(envelope)
}

type SnapshotPayload struct {
	Size  int        `json:"size"`
	Cells []GridCell `json:"cells"`
}

type PeerState struct {
	ConnectionId Id             `json:"id"`
	X            int            `json:"x"`
	Y            int            `json:"y"`
	DisplayColor string         `json:"color"`
	Name         string         `json:"name,omitempty"`
	Cosmetics    []CosmeticKind `json:"cosmetics,omitempty"`
	CursorColor  string         `json:"cursorColor,omitempty"`
}

func NewPeerState(session *Session) PeerState {
	peer := PeerState{
		ConnectionId: session.ConnectionId,
		X:            session.CursorX,
		Y:            session.CursorY,
		DisplayColor: session.DisplayColor,
		Name:         session.Name,
		CursorColor:  session.CursorColor,
	}
	for cosmetic, enabled := range session.Cosmetics {
		if enabled {
			peer.Cosmetics = append(peer.Cosmetics, cosmetic)
		}
	}
	slices.Sort(peer.Cosmetics)
	return peer
}

type RosterPayload struct {
	Peers []PeerState `json:"peers"`
}

type PeerJoinedPayload struct {
	ConnectionId Id     `json:"id"`
	DisplayColor string `json:"color"`
}

type PeerLeftPayload struct {
	ConnectionId Id `json:"id"`
}

type CellChangedPayload struct {
	X      int         `json:"x"`
	Y      int         `json:"y"`
	Color  string      `json:"color"`
	Effect *CellEffect `json:"effect,omitempty"`
}

type CellsChangedPayload struct {
	Positions []CellPos   `json:"positions"`
	Color     string      `json:"color"`
	Effect    *CellEffect `json:"effect,omitempty"`
}

const (
	DenyNotIdentified      = "not-identified"
	DenyInsufficientBudget = "insufficient-budget"
	DenyAbilityUnavailable = "ability-unavailable"
)

// reported only to the requester, never broadcast
type PlaceDeniedPayload struct {
	Reason string `json:"reason"`
}

type IdentifyPayload struct {
	Token string `json:"token"`
}

type CursorPayload struct {
	X    int     `json:"x"`
	Y    int     `json:"y"`
	Name *string `json:"name,omitempty"`
}

type PlaceCellPayload struct {
	X      int         `json:"x"`
	Y      int         `json:"y"`
	Color  string      `json:"color"`
	Effect *CellEffect `json:"effect,omitempty"`
}

type PlaceCellsPayload struct {
	Positions []CellPos   `json:"positions"`
	Color     string      `json:"color"`
	Tool      ToolKind    `json:"tool,omitempty"`
	Size      int         `json:"size,omitempty"`
	Effect    *CellEffect `json:"effect,omitempty"`
}

var colorPattern = regexp.MustCompile(`^#[0-9a-fA-F]{6}$`)

func ValidColor(color string) bool {
	return colorPattern.MatchString(color)
}
