package relay

import (
	"github.com/sirupsen/logrus"
)

// SendOutcome reports the result of one per-recipient send during a
// broadcast. Err is nil on success.
type SendOutcome struct {
	Recipient string
	Err       error
}

// Broadcaster fans an envelope out to a recipient set, one directive per
// recipient. It holds no state; every call resolves its inputs fresh.
type Broadcaster struct{}

// NewBroadcaster creates a Broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{}
}

// Broadcast sends envelopeJSON to every recipient except senderID, in
// recipient-list order. Payloads are byte-identical across recipients.
//
// When transport is nil or not open, Broadcast is a no-op returning nil;
// queueing and retry belong to the caller. A failed send to one recipient
// never aborts the remaining sends; failures are reported in the returned
// outcomes, one entry per attempted recipient.
func (b *Broadcaster) Broadcast(envelopeJSON, senderID string, recipients []string, transport Transport) []SendOutcome {
	if transport == nil || transport.State() != StateOpen {
		state := "absent"
		if transport != nil {
			state = transport.State().String()
		}
		logrus.WithFields(logrus.Fields{
			"function":   "Broadcast",
			"state":      state,
			"recipients": len(recipients),
		}).Debug("Transport not open, skipping broadcast")
		return nil
	}

	outcomes := make([]SendOutcome, 0, len(recipients))
	for _, recipient := range recipients {
		if recipient == senderID {
			continue
		}
		err := transport.Send(NewSend(recipient, envelopeJSON))
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function":  "Broadcast",
				"recipient": recipient,
				"error":     err,
			}).Warn("Send to recipient failed")
		}
		outcomes = append(outcomes, SendOutcome{Recipient: recipient, Err: err})
	}

	logrus.WithFields(logrus.Fields{
		"function": "Broadcast",
		"sent":     len(outcomes),
		"failed":   countFailed(outcomes),
	}).Debug("Broadcast complete")
	return outcomes
}

func countFailed(outcomes []SendOutcome) int {
	n := 0
	for _, o := range outcomes {
		if o.Err != nil {
			n++
		}
	}
	return n
}
