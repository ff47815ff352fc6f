// Package relaycore implements the client core of an end-to-end
// encrypted relay messaging protocol with chunked file transfer.
//
// The relay is a dumb store-and-forward hop: every payload crossing it
// is an opaque envelope string routed by recipient identifier. This
// package wires the subsystems together: the envelope codec, relay
// fan-out and offline queue, the chunking engine, the transfer state
// machine, and group key management.
//
// Example:
//
//	client, err := relaycore.New(&relaycore.Options{
//	    SelfDID:   "did:key:alice",
//	    RelayURLs: []string{"wss://relay.example.com/ws"},
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	client.OnEnvelope(func(from string, env *envelope.Envelope) {
//	    payload, err := env.DecodePayload()
//	    ...
//	})
//
//	if err := client.Connect(ctx); err != nil {
//	    log.Fatal(err)
//	}
package relaycore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/relaycore/chunk"
	"github.com/opd-ai/relaycore/crypto"
	"github.com/opd-ai/relaycore/envelope"
	"github.com/opd-ai/relaycore/group"
	"github.com/opd-ai/relaycore/invite"
	"github.com/opd-ai/relaycore/relay"
	"github.com/opd-ai/relaycore/storage"
	"github.com/opd-ai/relaycore/transfer"
)

// ErrNotConnected indicates an operation that needs an open relay
// connection was called without one.
var ErrNotConnected = errors.New("not connected to a relay")

// Options configures a Client.
type Options struct {
	// SelfDID is this client's identifier on the relay network.
	SelfDID string
	// RelayURLs are websocket relay endpoints; Connect uses the first,
	// invite resolution tries all in order.
	RelayURLs []string
	// StoragePath is the SQLite database path. Empty selects an
	// in-memory store, useful for tests and ephemeral sessions.
	StoragePath string
	// Keys is this client's encryption key pair; generated when nil.
	Keys *crypto.KeyPair
	// Limits caps concurrent transfers; zero value means defaults.
	Limits transfer.TransferLimits
}

// Client is the top-level handle tying the protocol subsystems
// together. All methods are safe for concurrent use.
type Client struct {
	mu        sync.Mutex
	options   *Options
	store     storage.Store
	keys      *crypto.KeyPair
	transport relay.Transport

	broadcaster *relay.Broadcaster
	pending     *relay.PendingTracker
	receiver    *relay.Receiver
	chunker     *chunk.Chunker
	transfers   *transfer.Manager
	roster      *group.Roster
	groups      *group.Manager
	invites     *invite.Resolver

	envelopeHandler func(from string, env *envelope.Envelope)
}

// New creates a Client. Interrupted transfer sessions found in storage
// are restored and reported by Transfers().IncompleteTransfers().
func New(options *Options) (*Client, error) {
	if options.SelfDID == "" {
		return nil, fmt.Errorf("options: SelfDID is required")
	}

	var store storage.Store
	var err error
	if options.StoragePath == "" {
		store = storage.NewMemoryStore()
	} else {
		store, err = storage.OpenSQLite(options.StoragePath)
		if err != nil {
			return nil, fmt.Errorf("open storage: %w", err)
		}
	}

	keys := options.Keys
	if keys == nil {
		keys, err = crypto.GenerateKeyPair()
		if err != nil {
			return nil, err
		}
	}

	transfers := transfer.NewManager(store)
	if options.Limits != (transfer.TransferLimits{}) {
		transfers.SetLimits(options.Limits)
	}
	if err := transfers.LoadSessions(); err != nil {
		return nil, err
	}

	roster := group.NewRoster()
	client := &Client{
		options:     options,
		store:       store,
		keys:        keys,
		broadcaster: relay.NewBroadcaster(),
		pending:     relay.NewPendingTracker(),
		chunker:     chunk.NewChunker(store),
		transfers:   transfers,
		roster:      roster,
		groups:      group.NewManager(roster, store, keys, options.SelfDID, func() int64 { return time.Now().UnixMilli() }),
		invites:     invite.NewResolver(options.RelayURLs),
	}
	client.receiver = &relay.Receiver{
		Store:   store,
		Pending: client.pending,
		Handler: client.handleInbound,
	}
	return client, nil
}

// Connect dials the first relay endpoint, starts reading inbound
// frames, and requests the offline message queue.
func (c *Client) Connect(ctx context.Context) error {
	if len(c.options.RelayURLs) == 0 {
		return fmt.Errorf("options: no relay URLs configured")
	}
	transport, err := relay.DialWS(ctx, c.options.RelayURLs[0])
	if err != nil {
		return err
	}
	c.UseTransport(transport)

	go func() {
		if err := transport.ReadLoop(c.receiver); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Connect",
				"error":    err,
			}).Warn("Relay connection lost")
		}
	}()

	return c.FetchOffline()
}

// UseTransport installs an already-established transport, replacing any
// previous one. Tests use this to inject fakes.
func (c *Client) UseTransport(transport relay.Transport) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transport = transport
}

// OnEnvelope registers the handler for inbound application envelopes.
// Transfer protocol envelopes are consumed internally and do not reach
// the handler.
func (c *Client) OnEnvelope(handler func(from string, env *envelope.Envelope)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.envelopeHandler = handler
}

// Transfers exposes the transfer manager for accept/reject decisions,
// progress events, and resume.
func (c *Client) Transfers() *transfer.Manager { return c.transfers }

// Groups exposes the group key manager.
func (c *Client) Groups() *group.Manager { return c.groups }

// Roster exposes group membership state.
func (c *Client) Roster() *group.Roster { return c.roster }

// Invites exposes the invite-code resolver.
func (c *Client) Invites() *invite.Resolver { return c.invites }

// Pending lists outbound message IDs still awaiting a relay ack, the
// "delivery uncertain" set a UI can offer to resend.
func (c *Client) Pending() []string { return c.pending.Pending() }

func (c *Client) currentTransport() relay.Transport {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transport
}

// Send addresses one envelope to a single recipient. localID is
// recorded as pending until the relay acks it.
func (c *Client) Send(toDID, localID string, kind envelope.Kind, version int, payload any) error {
	transport := c.currentTransport()
	if transport == nil || transport.State() != relay.StateOpen {
		return ErrNotConnected
	}

	env, err := envelope.Encode(kind, version, payload)
	if err != nil {
		return err
	}
	c.pending.MarkPending(localID)
	if err := transport.Send(relay.NewSend(toDID, env)); err != nil {
		return fmt.Errorf("send %s to %s: %w", kind, toDID, err)
	}
	return nil
}

// Broadcast fans an envelope out to recipients, excluding this client,
// and reports per-recipient outcomes. With no open transport it is a
// documented no-op returning nil.
func (c *Client) Broadcast(kind envelope.Kind, version int, payload any, recipients []string) ([]relay.SendOutcome, error) {
	env, err := envelope.Encode(kind, version, payload)
	if err != nil {
		return nil, err
	}
	return c.broadcaster.Broadcast(env, c.options.SelfDID, recipients, c.currentTransport()), nil
}

// BroadcastCommunityEvent fans a community event out under the
// community's canonical identifier, so peers who joined through
// different copies key their state identically.
func (c *Client) BroadcastCommunityEvent(localCommunityID string, resolver envelope.CommunityResolver, payload *envelope.CommunityEventPayload, recipients []string) ([]relay.SendOutcome, error) {
	payload.CommunityID = envelope.ResolveCanonicalCommunityID(resolver, localCommunityID)
	return c.Broadcast(envelope.KindCommunityEvent, 1, payload, recipients)
}

// SendFile chunks data into storage and initiates an upload to peer,
// returning the new transfer ID. Chunk exchange proceeds as the peer
// accepts and acks arrive; drive it with Transfers().ChunksToSend.
func (c *Client) SendFile(fileID, filename string, data []byte, peerDID string) (string, error) {
	manifest, err := c.chunker.Chunk(fileID, filename, data, chunk.DefaultChunkSize)
	if err != nil {
		return "", err
	}

	transferID, request, err := c.transfers.Initiate(fileID, peerDID, manifest, transfer.DirectionUpload, transfer.TransportRelay)
	if err != nil {
		return "", err
	}
	if err := c.sendTransferMessage(peerDID, request); err != nil {
		return "", err
	}
	return transferID, nil
}

// PumpTransfer sends the next window of eligible chunks for an upload.
// Call it after accept, resume, and each batch of acks.
func (c *Client) PumpTransfer(transferID string) error {
	session, err := c.transfers.Session(transferID)
	if err != nil {
		return err
	}
	for _, idx := range c.transfers.ChunksToSend(transferID) {
		data, err := c.store.GetChunk(session.Manifest.Chunks[idx].ChunkID)
		if err != nil {
			return fmt.Errorf("load chunk %d: %w", idx, err)
		}
		msg := transfer.NewChunkData(transferID, idx, data)
		if err := c.sendTransferMessage(session.PeerDID, &msg); err != nil {
			return err
		}
		if err := c.transfers.MarkChunkSent(transferID, idx); err != nil {
			return err
		}
	}
	return nil
}

// AcceptTransfer accepts an incoming transfer request, advertising any
// chunks already present locally so the sender skips them.
func (c *Client) AcceptTransfer(transferID string) error {
	session, err := c.transfers.Session(transferID)
	if err != nil {
		return err
	}
	existing, err := c.chunker.HaveChunks(session.Manifest)
	if err != nil {
		return err
	}
	msg, err := c.transfers.Accept(transferID, existing)
	if err != nil {
		return err
	}
	return c.sendTransferMessage(session.PeerDID, msg)
}

// RejectTransfer declines an incoming transfer request.
func (c *Client) RejectTransfer(transferID, reason string) error {
	return c.sendTransferControl(transferID, func() (*transfer.Message, error) {
		return c.transfers.Reject(transferID, reason)
	})
}

// PauseTransfer pauses an active transfer on both sides.
func (c *Client) PauseTransfer(transferID string) error {
	return c.sendTransferControl(transferID, func() (*transfer.Message, error) {
		return c.transfers.Pause(transferID)
	})
}

// ResumeTransfer resumes a paused transfer. Flow control restarts from
// the initial window; completed chunks are re-advertised to the peer.
func (c *Client) ResumeTransfer(transferID string) error {
	return c.sendTransferControl(transferID, func() (*transfer.Message, error) {
		return c.transfers.Resume(transferID)
	})
}

// CancelTransfer cancels a transfer in any non-terminal state.
func (c *Client) CancelTransfer(transferID, reason string) error {
	return c.sendTransferControl(transferID, func() (*transfer.Message, error) {
		return c.transfers.Cancel(transferID, reason)
	})
}

func (c *Client) sendTransferControl(transferID string, action func() (*transfer.Message, error)) error {
	session, err := c.transfers.Session(transferID)
	if err != nil {
		return err
	}
	msg, err := action()
	if err != nil {
		return err
	}
	return c.sendTransferMessage(session.PeerDID, msg)
}

// ReceiveFile reassembles and verifies a completed download.
func (c *Client) ReceiveFile(fileID string) (*chunk.ReassembledFile, error) {
	return c.chunker.Reassemble(fileID)
}

// FetchOffline asks the relay for everything queued since the last
// fetch. Replies arrive as ordinary inbound frames.
func (c *Client) FetchOffline() error {
	transport := c.currentTransport()
	if transport == nil || transport.State() != relay.StateOpen {
		return ErrNotConnected
	}
	return transport.Send(relay.NewFetchOffline())
}

// Close shuts the transport and storage down.
func (c *Client) Close() error {
	if transport := c.currentTransport(); transport != nil {
		_ = transport.Close()
	}
	return c.store.Close()
}

func (c *Client) sendTransferMessage(peerDID string, msg *transfer.Message) error {
	transport := c.currentTransport()
	if transport == nil || transport.State() != relay.StateOpen {
		return ErrNotConnected
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	env, err := envelope.Encode(envelope.KindDMFileEvent, 1, &envelope.DMFileEventPayload{
		SenderID: c.options.SelfDID,
		Message:  raw,
	})
	if err != nil {
		return err
	}
	return transport.Send(relay.NewSend(peerDID, env))
}

// handleInbound decodes a relay delivery and dispatches it. Transfer
// envelopes feed the state machine, with any reply frame sent straight
// back; everything else goes to the application handler. Malformed or
// unsupported envelopes are dropped and logged, never crashing the
// dispatch loop.
func (c *Client) handleInbound(inbound relay.InboundEnvelope) {
	env, err := envelope.Decode(inbound.Payload)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleInbound",
			"from":     inbound.From,
			"error":    err,
		}).Warn("Dropping malformed envelope")
		return
	}
	if !env.Supported() {
		logrus.WithFields(logrus.Fields{
			"function": "handleInbound",
			"kind":     env.Kind,
			"version":  env.Version,
		}).Debug("Ignoring unsupported envelope")
		return
	}

	if env.Kind == envelope.KindDMFileEvent {
		c.handleTransferEnvelope(inbound.From, env)
		return
	}

	c.mu.Lock()
	handler := c.envelopeHandler
	c.mu.Unlock()
	if handler != nil {
		handler(inbound.From, env)
	}
}

func (c *Client) handleTransferEnvelope(from string, env *envelope.Envelope) {
	payload, err := env.DecodePayload()
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleTransferEnvelope",
			"from":     from,
			"error":    err,
		}).Warn("Dropping malformed transfer message")
		return
	}
	fileEvent, ok := payload.(*envelope.DMFileEventPayload)
	if !ok {
		return
	}

	var tmsg transfer.Message
	if err := json.Unmarshal(fileEvent.Message, &tmsg); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleTransferEnvelope",
			"from":     from,
			"error":    err,
		}).Warn("Dropping malformed transfer message")
		return
	}

	reply, err := c.transfers.OnMessage(from, tmsg)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleTransferEnvelope",
			"from":     from,
			"type":     tmsg.Type,
			"error":    err,
		}).Warn("Transfer message rejected")
		return
	}
	c.persistTransferData(tmsg, reply)
	if reply != nil {
		if err := c.sendTransferMessage(from, reply); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "handleTransferEnvelope",
				"from":     from,
				"error":    err,
			}).Warn("Failed to send transfer reply")
		}
	}
}

// persistTransferData writes download-side artifacts to storage: the
// manifest on an accepted request, and chunk bytes once the state
// machine acked them. Cancelled sessions never ack, so their late
// chunks are discarded here too.
func (c *Client) persistTransferData(msg transfer.Message, reply *transfer.Message) {
	switch msg.Type {
	case transfer.MsgTransferRequest:
		if msg.Manifest == nil {
			return
		}
		raw, err := json.Marshal(msg.Manifest)
		if err == nil {
			err = c.store.PutManifest(msg.Manifest.FileID, raw)
		}
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "persistTransferData",
				"file_id":  msg.Manifest.FileID,
				"error":    err,
			}).Warn("Failed to persist manifest")
		}
	case transfer.MsgChunkData:
		if reply == nil || !reply.Success {
			return
		}
		if _, err := c.store.PutChunk(msg.Hash, msg.Data); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":    "persistTransferData",
				"transfer_id": msg.TransferID,
				"chunk_index": msg.ChunkIndex,
				"error":       err,
			}).Warn("Failed to persist chunk")
		}
	}
}
