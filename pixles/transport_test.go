package pixles

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/go-playground/assert/v2"
)

func newTestWsServer(t *testing.T) (*WsServer, *Engine, *LedgerStore, *TokenAuthority) {
	grid := newTestGrid(8)
	ledger, _ := newTestLedger(10)
	registry := NewSessionRegistry()
	engine := NewEngineWithDefaults(context.Background(), grid, ledger, registry)
	tokens := NewTokenAuthorityWithDefaults([]byte("test-secret"))
	t.Cleanup(tokens.Close)
	server := NewWsServerWithDefaults(engine, tokens)
	return server, engine, ledger, tokens
}

func TestConnSink(t *testing.T) {
	sink := newConnSink(2)

	assert.Equal(t, true, sink.Send([]byte("a")))
	assert.Equal(t, true, sink.Send([]byte("b")))
	// buffer full, never block
	assert.Equal(t, false, sink.Send([]byte("c")))

	sink.Close()
	// close can double-fire
	sink.Close()
	assert.Equal(t, false, sink.Send([]byte("d")))
}

func TestDispatchIdentifyAndPlace(t *testing.T) {
	server, engine, ledger, tokens := newTestWsServer(t)

	conn, sink := connectTest(engine)
	identity := NewId()
	token, err := tokens.Mint(identity)
	assert.Equal(t, nil, err)

	server.dispatch(conn, []byte(fmt.Sprintf(
		`{"type":"identify","payload":{"token":%q}}`, token)))
	server.dispatch(conn, []byte(
		`{"type":"place-cell","payload":{"x":2,"y":3,"color":"#FF0000"}}`))

	assert.Equal(t, 9, ledger.GetOrCreate(identity).FreeBudget)
	changed := payloadsOfType(t, sink, MessageCellChanged)
	assert.Equal(t, 1, len(changed))
	var payload CellChangedPayload
	assert.Equal(t, nil, json.Unmarshal(changed[0], &payload))
	assert.Equal(t, 2, payload.X)
	assert.Equal(t, 3, payload.Y)
	assert.Equal(t, "#FF0000", payload.Color)
}

func TestDispatchBadTokenIgnored(t *testing.T) {
	server, engine, _, _ := newTestWsServer(t)

	conn, sink := connectTest(engine)
	server.dispatch(conn, []byte(
		`{"type":"identify","payload":{"token":"garbage"}}`))

	// the session stays connected and unidentified
	server.dispatch(conn, []byte(
		`{"type":"place-cell","payload":{"x":0,"y":0,"color":"#FF0000"}}`))
	denied := payloadsOfType(t, sink, MessagePlaceDenied)
	assert.Equal(t, 1, len(denied))
	var deniedPayload PlaceDeniedPayload
	assert.Equal(t, nil, json.Unmarshal(denied[0], &deniedPayload))
	assert.Equal(t, DenyNotIdentified, deniedPayload.Reason)
}

func TestDispatchMalformedDropped(t *testing.T) {
	server, engine, _, _ := newTestWsServer(t)

	conn, sink := connectTest(engine)
	baseline := len(sink.messages)

	for _, message := range []string{
		``,
		`not json`,
		`{"type":"place-cell"}`,
		`{"type":"place-cell","payload":"nope"}`,
		`{"type":"place-cell","payload":{"x":0,"y":0,"color":"red"}}`,
		`{"type":"place-cells","payload":{"positions":[],"color":"#FF0000"}}`,
		`{"type":"cursor","payload":12}`,
		`{"type":"no-such-type","payload":{}}`,
	} {
		server.dispatch(conn, []byte(message))
	}

	// dropped with no state change and no error reply
	assert.Equal(t, baseline, len(sink.messages))
	assert.Equal(t, 0, len(engine.SnapshotGrid().Cells))
	assert.Equal(t, false, sink.closed)
}

func TestDispatchCursor(t *testing.T) {
	server, engine, _, _ := newTestWsServer(t)

	aConn, _ := connectTest(engine)
	_, bSink := connectTest(engine)

	server.dispatch(aConn, []byte(
		`{"type":"cursor","payload":{"x":4,"y":5,"name":"ada"}}`))

	cursors := payloadsOfType(t, bSink, MessagePeerCursor)
	assert.Equal(t, 1, len(cursors))
	var peer PeerState
	assert.Equal(t, nil, json.Unmarshal(cursors[0], &peer))
	assert.Equal(t, 4, peer.X)
	assert.Equal(t, 5, peer.Y)
	assert.Equal(t, "ada", peer.Name)
}

func TestDispatchWipe(t *testing.T) {
	server, engine, ledger, tokens := newTestWsServer(t)

	conn, sink := connectTest(engine)
	identity := NewId()
	token, err := tokens.Mint(identity)
	assert.Equal(t, nil, err)
	server.dispatch(conn, []byte(fmt.Sprintf(
		`{"type":"identify","payload":{"token":%q}}`, token)))

	server.dispatch(conn, []byte(
		`{"type":"place-cell","payload":{"x":0,"y":0,"color":"#FF0000"}}`))

	// no charge yet
	server.dispatch(conn, []byte(`{"type":"wipe"}`))
	denied := payloadsOfType(t, sink, MessagePlaceDenied)
	assert.Equal(t, 1, len(denied))
	assert.Equal(t, 1, len(engine.SnapshotGrid().Cells))

	ledger.CreditEntitlement(identity, "order-wipe", func(entry *LedgerEntry) {
		entry.WipeCharges += 1
	})
	server.dispatch(conn, []byte(`{"type":"wipe"}`))
	assert.Equal(t, 0, len(engine.SnapshotGrid().Cells))
	assert.Equal(t, 1, len(payloadsOfType(t, sink, MessageCanvasCleared)))
}
