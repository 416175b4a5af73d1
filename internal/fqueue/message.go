// Package fqueue provides a durable directory-backed FIFO decoupling bursty
// broker traffic from database latency.
//
// The listener pushes envelopes, the loader pops them transactionally. Every
// accepted envelope survives process restarts: a push is not acknowledged
// until the record is fsynced, and a popped envelope stays on disk until its
// transaction commits. Rolled-back or orphaned transactions re-deliver on
// the next start.
package fqueue

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Message is the self-contained envelope written by the listener and read by
// the loader. Immutable once written.
type Message struct {
	// FQMsgID is the queue-assigned id: time-prefixed, unique, monotonic
	// within a second. Doubles as the on-disk file name.
	FQMsgID string `json:"fq_msg_id"`

	// BrokerMsgID is the opaque broker identifier of the original message.
	BrokerMsgID string `json:"broker_msg_id"`

	// BrokerTopic is the dotted topic string, for example
	// "org.centos.prod.ci.koji-build.test.complete".
	BrokerTopic string `json:"broker_topic"`

	// Body is the decoded JSON payload of the broker message.
	Body map[string]interface{} `json:"body"`

	// BrokerExtra carries broker headers and application properties.
	BrokerExtra map[string]interface{} `json:"broker_extra,omitempty"`

	// ProviderName names the listener connection the message arrived on.
	ProviderName string `json:"provider_name"`

	// ProviderTimestamp is the unix-seconds arrival time at the listener.
	ProviderTimestamp int64 `json:"provider_timestamp"`
}

// idGenerator hands out FQMsgIDs that sort in creation order: a zero-padded
// unix-seconds prefix, a per-second sequence number, and a short random
// suffix keeping ids from concurrent writers unique.
type idGenerator struct {
	mu      sync.Mutex
	lastSec int64
	seq     int
}

func (g *idGenerator) next(now time.Time) string {
	g.mu.Lock()
	defer g.mu.Unlock()

	sec := now.Unix()
	if sec != g.lastSec {
		g.lastSec = sec
		g.seq = 0
	}

	g.seq++

	suffix := strings.SplitN(uuid.NewString(), "-", 2)[0]

	return fmt.Sprintf("%011d-%06d-%s", sec, g.seq, suffix)
}
