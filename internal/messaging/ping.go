package messaging

import (
	"context"
	"encoding/json"
	"time"

	"github.com/snehjoshi/syncq/internal/translator"
	"github.com/snehjoshi/syncq/internal/types"
)

// Built-in type codes.
const (
	PingType = "syncq.ping"
	PongType = "syncq.pong"
)

// Ping is a connectivity probe sent by a device.
type Ping struct {
	Nonce string    `json:"nonce"`
	Sent  time.Time `json:"sent"`
}

func (p *Ping) TypeID() string                  { return PingType }
func (p *Ping) Priority() types.Priority        { return types.PriorityLow }
func (p *Ping) MarshalPayload() ([]byte, error) { return json.Marshal(p) }
func (p *Ping) UnmarshalPayload(b []byte) error { return json.Unmarshal(b, p) }

// Pong answers a Ping.
type Pong struct {
	Nonce    string    `json:"nonce"`
	Sent     time.Time `json:"sent"`
	Received time.Time `json:"received"`
}

func (p *Pong) TypeID() string                  { return PongType }
func (p *Pong) Priority() types.Priority        { return types.PriorityLow }
func (p *Pong) MarshalPayload() ([]byte, error) { return json.Marshal(p) }
func (p *Pong) UnmarshalPayload(b []byte) error { return json.Unmarshal(b, p) }

// PingHandler answers every ping with a pong carrying the same nonce.
var PingHandler = HandlerFunc(func(_ context.Context, m *types.Message, tr *translator.Translator) (translator.Payload, error) {
	var ping Ping
	if err := tr.FromMessage(m, &ping); err != nil {
		return nil, err
	}
	return &Pong{Nonce: ping.Nonce, Sent: ping.Sent, Received: time.Now().UTC()}, nil
})

// RegisterBuiltins adds the ping and pong types to r.
func RegisterBuiltins(r *Registry) error {
	if err := r.Register(PingType, Capabilities{Process: true, Synchronous: true}, PingHandler); err != nil {
		return err
	}
	return r.Register(PongType, Capabilities{}, nil)
}
