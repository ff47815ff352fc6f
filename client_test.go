package relaycore

import (
	"bytes"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/relaycore/envelope"
	"github.com/opd-ai/relaycore/relay"
	"github.com/opd-ai/relaycore/transfer"
)

// queueTransport buffers outbound frames so tests control delivery
// order between two in-process clients.
type queueTransport struct {
	mu    sync.Mutex
	state relay.ConnState
	queue []relay.ClientMessage
}

func newQueueTransport() *queueTransport {
	return &queueTransport{state: relay.StateOpen}
}

func (q *queueTransport) Send(msg relay.ClientMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.queue = append(q.queue, msg)
	return nil
}

func (q *queueTransport) State() relay.ConnState {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

func (q *queueTransport) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.state = relay.StateClosed
	return nil
}

func (q *queueTransport) drain() []relay.ClientMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.queue
	q.queue = nil
	return out
}

type testPeer struct {
	client    *Client
	transport *queueTransport
	did       string
}

func newTestPeer(t *testing.T, did string) *testPeer {
	t.Helper()
	client, err := New(&Options{SelfDID: did})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	transport := newQueueTransport()
	client.UseTransport(transport)
	return &testPeer{client: client, transport: transport, did: did}
}

// deliver routes one peer's queued send frames into the other's
// receiver, the way the relay would.
func deliver(t *testing.T, from, to *testPeer) int {
	t.Helper()
	frames := from.transport.drain()
	for _, frame := range frames {
		if frame.Type != relay.TypeSend || frame.ToDID != to.did {
			continue
		}
		err := to.client.receiver.OnServerMessage(relay.ServerMessage{
			Type:    relay.TypeMessage,
			ID:      uuid.New().String(),
			From:    from.did,
			Payload: frame.Payload,
		})
		require.NoError(t, err)
	}
	return len(frames)
}

// exchange shuttles frames both ways until neither side has output.
func exchange(t *testing.T, a, b *testPeer) {
	t.Helper()
	for i := 0; i < 100; i++ {
		moved := deliver(t, a, b) + deliver(t, b, a)
		if moved == 0 {
			return
		}
	}
	t.Fatal("frame exchange did not settle")
}

func TestNewRequiresSelfDID(t *testing.T) {
	_, err := New(&Options{})
	assert.Error(t, err)
}

func TestSendWithoutTransport(t *testing.T) {
	client, err := New(&Options{SelfDID: "did:key:alice"})
	require.NoError(t, err)
	defer client.Close()

	err = client.Send("did:key:bob", "msg-1", envelope.KindChatMessage, 1, sampleChat("hi"))
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestSendMarksPendingUntilAck(t *testing.T) {
	alice := newTestPeer(t, "did:key:alice")

	err := alice.client.Send("did:key:bob", "msg-1", envelope.KindChatMessage, 1, sampleChat("hi"))
	require.NoError(t, err)
	assert.Equal(t, []string{"msg-1"}, alice.client.Pending())

	frames := alice.transport.drain()
	require.Len(t, frames, 1)
	assert.Equal(t, relay.TypeSend, frames[0].Type)
	assert.Equal(t, "did:key:bob", frames[0].ToDID)

	err = alice.client.receiver.OnServerMessage(relay.ServerMessage{
		Type: relay.TypeAck,
		ID:   "msg-1",
	})
	require.NoError(t, err)
	assert.Empty(t, alice.client.Pending())
}

func TestInboundChatReachesHandler(t *testing.T) {
	alice := newTestPeer(t, "did:key:alice")
	bob := newTestPeer(t, "did:key:bob")

	var gotFrom string
	var gotKind envelope.Kind
	bob.client.OnEnvelope(func(from string, env *envelope.Envelope) {
		gotFrom = from
		gotKind = env.Kind
	})

	err := alice.client.Send(bob.did, "msg-1", envelope.KindChatMessage, 1, sampleChat("hello"))
	require.NoError(t, err)
	deliver(t, alice, bob)

	assert.Equal(t, alice.did, gotFrom)
	assert.Equal(t, envelope.KindChatMessage, gotKind)
}

func TestBroadcastExcludesSelf(t *testing.T) {
	alice := newTestPeer(t, "did:key:alice")

	outcomes, err := alice.client.Broadcast(envelope.KindChatMessage, 1, sampleChat("all"),
		[]string{"did:key:bob", "did:key:alice", "did:key:carol"})
	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	assert.Equal(t, "did:key:bob", outcomes[0].Recipient)
	assert.Equal(t, "did:key:carol", outcomes[1].Recipient)
}

func TestFileTransferBetweenClients(t *testing.T) {
	alice := newTestPeer(t, "did:key:alice")
	bob := newTestPeer(t, "did:key:bob")

	data := bytes.Repeat([]byte("relay "), 1024)
	transferID, err := alice.client.SendFile("file-1", "notes.txt", data, bob.did)
	require.NoError(t, err)

	deliver(t, alice, bob)

	events := bob.client.Transfers().DrainEvents()
	require.Len(t, events, 1)
	assert.Equal(t, transfer.EventIncomingRequest, events[0].Type)
	assert.Equal(t, transferID, events[0].TransferID)
	assert.Equal(t, "notes.txt", events[0].Filename)

	require.NoError(t, bob.client.AcceptTransfer(transferID))
	deliver(t, bob, alice)

	// Chunk rounds: send a window, exchange data and acks, repeat.
	for i := 0; i < 100; i++ {
		session, err := alice.client.Transfers().Session(transferID)
		require.NoError(t, err)
		if session.State.IsTerminal() {
			break
		}
		require.NoError(t, alice.client.PumpTransfer(transferID))
		exchange(t, alice, bob)
	}

	sender, err := alice.client.Transfers().Session(transferID)
	require.NoError(t, err)
	assert.Equal(t, transfer.StateCompleted, sender.State)

	receiver, err := bob.client.Transfers().Session(transferID)
	require.NoError(t, err)
	assert.Equal(t, transfer.StateCompleted, receiver.State)

	file, err := bob.client.ReceiveFile("file-1")
	require.NoError(t, err)
	assert.Equal(t, data, file.Data)
	assert.Equal(t, "notes.txt", file.Filename)
}

func TestRejectTransferFailsSender(t *testing.T) {
	alice := newTestPeer(t, "did:key:alice")
	bob := newTestPeer(t, "did:key:bob")

	transferID, err := alice.client.SendFile("file-1", "big.bin", []byte("payload"), bob.did)
	require.NoError(t, err)
	deliver(t, alice, bob)

	require.NoError(t, bob.client.RejectTransfer(transferID, "no space"))
	deliver(t, bob, alice)

	session, err := alice.client.Transfers().Session(transferID)
	require.NoError(t, err)
	assert.Equal(t, transfer.StateFailed, session.State)
}

func sampleChat(ciphertext string) *envelope.ChatMessagePayload {
	return &envelope.ChatMessagePayload{
		MessageID:      uuid.New().String(),
		SenderID:       "did:key:alice",
		RecipientID:    "did:key:bob",
		ConversationID: "conv-1",
		Timestamp:      1,
		Nonce:          "bm9uY2U=",
		Ciphertext:     ciphertext,
	}
}
