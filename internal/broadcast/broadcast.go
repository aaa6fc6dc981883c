// Package broadcast mirrors a cluster's lifecycle topics onto Nostr
// relays, so an external dashboard can observe cluster activity
// without polling the Ledger. Conclave itself never reads these
// events back.
package broadcast

import (
	"context"
	"encoding/json"
	"log"
	"time"

	nostrlib "fiatjaf.com/nostr"

	"github.com/loomwork/conclave/internal/bus"
	"github.com/loomwork/conclave/internal/message"
)

// KindClusterLifecycle is the Nostr event kind used for every mirrored
// message. Parameterized-replaceable per NIP-33, keyed by cluster id so
// a dashboard always holds one "latest" event (it is a mirror of the
// latest lifecycle edge, not an archive — the Ledger remains the
// source of truth and full history).
const KindClusterLifecycle = 30316

// Config describes how to reach the relays a cluster's lifecycle is
// mirrored to, and the identity events are signed with. Resolved by
// the settings adapter; the core never reads this from the
// settings file itself.
type Config struct {
	Relays       []string
	SecretKeyHex string
}

// Broadcaster mirrors a cluster's lifecycle topics onto Nostr relays.
type Broadcaster struct {
	pool   *RelayPool
	signer Signer
	spool  *Spool
}

// New connects to cfg.Relays and derives a signer from cfg.SecretKeyHex.
// runtimeDir is where undelivered events are spooled.
func New(ctx context.Context, cfg Config, runtimeDir string) (*Broadcaster, error) {
	pool, err := NewRelayPool(ctx, cfg.Relays)
	if err != nil {
		return nil, err
	}
	signer, err := NewLocalSigner(cfg.SecretKeyHex)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return &Broadcaster{
		pool:   pool,
		signer: signer,
		spool:  NewSpool(runtimeDir),
	}, nil
}

// lifecycleTopics is the set of topics mirrored onto the relays.
var lifecycleTopics = []string{
	message.TopicAgentStarted,
	message.TopicProcessSpawned,
	message.TopicAgentError,
	message.TopicAgentMaxIterations,
	message.TopicClusterComplete,
	message.TopicClusterFailed,
}

// Attach subscribes the Broadcaster to every lifecycle topic on b,
// returning the subscription tokens (for symmetry with Bus.Subscribe,
// callers may Unsubscribe them on cluster stop, though Close is
// normally sufficient).
func (br *Broadcaster) Attach(b *bus.Bus, clusterID string) []int64 {
	tokens := make([]int64, 0, len(lifecycleTopics))
	for _, topic := range lifecycleTopics {
		tok := b.Subscribe(topic, func(m message.Message) {
			br.mirror(clusterID, m)
		}, bus.SubscribeOptions{})
		tokens = append(tokens, tok)
	}
	return tokens
}

func (br *Broadcaster) mirror(clusterID string, m message.Message) {
	payload, err := json.Marshal(struct {
		Sender  string         `json:"sender"`
		Content message.Content `json:"content"`
	}{Sender: m.Sender, Content: m.Content})
	if err != nil {
		log.Printf("[broadcast] %s: marshalling lifecycle payload: %v", clusterID, err)
		return
	}

	content, err := json.Marshal(map[string]any{
		"schema":     "conclave/lifecycle@1",
		"topic":      m.Topic,
		"message_id": m.ID,
		"payload":    json.RawMessage(payload),
	})
	if err != nil {
		log.Printf("[broadcast] %s: marshalling lifecycle content: %v", clusterID, err)
		return
	}

	event := nostrlib.Event{
		CreatedAt: nostrlib.Timestamp(time.Now().Unix()),
		Kind:      KindClusterLifecycle,
		Tags: nostrlib.Tags{
			{"d", clusterID},
			{"type", m.Topic},
		},
		Content: string(content),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := br.signer.Sign(ctx, &event); err != nil {
		log.Printf("[broadcast] %s: signing lifecycle event: %v", clusterID, err)
		return
	}

	if err := br.pool.Publish(ctx, event); err != nil {
		log.Printf("[broadcast] %s: publish failed, spooling: %v", clusterID, err)
		if spoolErr := br.spool.Enqueue(event); spoolErr != nil {
			log.Printf("[broadcast] %s: spooling failed: %v", clusterID, spoolErr)
		}
	}
}

// DrainSpool retries every spooled event. Callers run this
// periodically (e.g. from a health-check loop) to recover from relay
// outages without losing lifecycle events.
func (br *Broadcaster) DrainSpool(ctx context.Context) (sent, failed int, err error) {
	return br.spool.Drain(ctx, br.pool)
}

// Close disconnects from every relay.
func (br *Broadcaster) Close() {
	br.pool.Close()
}
