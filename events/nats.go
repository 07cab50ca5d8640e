package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// Publisher é o mínimo de *nats.Conn que o NATSPublisher usa.
type Publisher interface {
	Publish(subject string, data []byte) error
}

type envelope struct {
	Kind    Kind      `json:"kind"`
	At      time.Time `json:"at"`
	Payload Event     `json:"payload"`
}

// NATSPublisher entrega cada evento em "<prefix>.<kind>" para o colaborador de alertas.
// Falhas de publicação são logadas e descartadas.
type NATSPublisher struct {
	pub    Publisher
	prefix string
	log    logrus.FieldLogger
}

func NewNATSPublisher(pub Publisher, prefix string, log logrus.FieldLogger) *NATSPublisher {
	prefix = strings.Trim(prefix, ".")
	if prefix == "" {
		prefix = "bridge.admission"
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &NATSPublisher{pub: pub, prefix: prefix, log: log}
}

// DialNATS conecta no servidor NATS com reconexão infinita.
func DialNATS(url string, timeout time.Duration, log logrus.FieldLogger) (*nats.Conn, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	conn, err := nats.Connect(url,
		nats.Name("bridge-gateway"),
		nats.Timeout(timeout),
		nats.ReconnectWait(5*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.WithError(err).Warn("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.WithField("url", nc.ConnectedUrl()).Info("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return conn, nil
}

func (p *NATSPublisher) Subject(kind Kind) string {
	return p.prefix + "." + string(kind)
}

func (p *NATSPublisher) Notify(_ context.Context, ev Event) {
	if p == nil || p.pub == nil || ev == nil {
		return
	}
	data, err := json.Marshal(envelope{Kind: ev.Kind(), At: ev.OccurredAt(), Payload: ev})
	if err != nil {
		p.log.WithError(err).WithField("kind", ev.Kind()).Error("encode event")
		return
	}
	if err := p.pub.Publish(p.Subject(ev.Kind()), data); err != nil {
		p.log.WithError(err).WithField("kind", ev.Kind()).Warn("publish event")
	}
}
