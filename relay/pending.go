package relay

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/relaycore/storage"
)

// PendingTracker records outbound message IDs awaiting a relay ack. A
// message stays pending until its ack arrives; there is no internal retry
// or timeout here, the caller surfaces stuck messages as a resend
// affordance.
type PendingTracker struct {
	mu      sync.Mutex
	pending map[string]time.Time
}

// NewPendingTracker creates an empty tracker.
func NewPendingTracker() *PendingTracker {
	return &PendingTracker{pending: make(map[string]time.Time)}
}

// MarkPending records msgID as awaiting an ack. Call before handing the
// directive to the transport so the ack cannot race the bookkeeping.
func (p *PendingTracker) MarkPending(msgID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending[msgID] = time.Now()
}

// Ack resolves msgID from pending to sent. Returns false when the ID was
// not pending, which happens on duplicate acks and is harmless.
func (p *PendingTracker) Ack(msgID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.pending[msgID]; !ok {
		return false
	}
	delete(p.pending, msgID)
	return true
}

// Pending returns the IDs still awaiting an ack, sorted for determinism.
func (p *PendingTracker) Pending() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.pending))
	for id := range p.pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// InboundEnvelope is a deduplicated envelope delivery handed to the
// application dispatch layer.
type InboundEnvelope struct {
	ID        string
	From      string
	Payload   string
	Timestamp int64
}

// SeenStore is the dedup surface the receiver needs from storage.
type SeenStore interface {
	MarkSeen(messageID string, receivedAt int64) (storage.StoreResult, error)
}

// Receiver dispatches inbound relay frames: acks resolve pending sends,
// live and offline deliveries are deduplicated then handed to Handler.
// Redelivery is expected (relay retries, redundant fetch_offline calls),
// so a duplicate is a silent no-op, not an error.
type Receiver struct {
	Store   SeenStore
	Pending *PendingTracker
	Handler func(InboundEnvelope)
}

// OnServerMessage routes one inbound frame. Unknown frame types are
// logged and ignored so newer relays do not break older clients.
func (r *Receiver) OnServerMessage(msg ServerMessage) error {
	switch msg.Type {
	case TypeAck:
		if !r.Pending.Ack(msg.ID) {
			logrus.WithFields(logrus.Fields{
				"function":   "OnServerMessage",
				"message_id": msg.ID,
			}).Debug("Ack for unknown or already-acked message")
		}
		return nil

	case TypeMessage:
		return r.deliver(InboundEnvelope{
			ID:        msg.ID,
			From:      msg.From,
			Payload:   msg.Payload,
			Timestamp: msg.Timestamp,
		})

	case TypeOfflineMessages:
		logrus.WithFields(logrus.Fields{
			"function": "OnServerMessage",
			"count":    len(msg.Messages),
		}).Info("Processing offline message batch")
		for _, m := range msg.Messages {
			if err := r.deliver(InboundEnvelope{
				ID:        m.ID,
				From:      m.From,
				Payload:   m.Payload,
				Timestamp: m.Timestamp,
			}); err != nil {
				return err
			}
		}
		return nil

	case TypeRegistered:
		logrus.WithFields(logrus.Fields{
			"function": "OnServerMessage",
			"did":      msg.DID,
		}).Info("Registered with relay")
		return nil

	case TypeError:
		logrus.WithFields(logrus.Fields{
			"function": "OnServerMessage",
			"message":  msg.Message,
		}).Warn("Relay reported an error")
		return nil

	case TypePong:
		return nil

	default:
		logrus.WithFields(logrus.Fields{
			"function": "OnServerMessage",
			"type":     msg.Type,
		}).Debug("Ignoring unknown relay frame type")
		return nil
	}
}

func (r *Receiver) deliver(env InboundEnvelope) error {
	if env.ID != "" {
		result, err := r.Store.MarkSeen(env.ID, env.Timestamp)
		if err != nil {
			return fmt.Errorf("record delivery %s: %w", env.ID, err)
		}
		if result == storage.AlreadyExists {
			logrus.WithFields(logrus.Fields{
				"function":   "deliver",
				"message_id": env.ID,
			}).Debug("Duplicate delivery ignored")
			return nil
		}
	}
	r.Handler(env)
	return nil
}
