package transport

import (
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// BrokerTransport carries messages over an MQTT broker using the topic
// pair spec.md names explicitly: "node" for core->child, "poly" for
// child->core. The node server owns presence — it publishes its own
// "connected"/"disconnected" messages on the poly topic; this transport
// only relays bytes in each direction.
type BrokerTransport struct {
	client    mqtt.Client
	nodeTopic string
	polyTopic string
	recv      chan []byte
}

// topics returns the core->child and child->core topic names for name.
func topics(name string) (nodeTopic, polyTopic string) {
	return fmt.Sprintf("udi/polyglot/%s/node", name), fmt.Sprintf("udi/polyglot/%s/poly", name)
}

// DialBroker connects to an MQTT broker at addr (e.g. "tcp://localhost:1883")
// and wires up the topic pair for name: Send publishes to the node topic,
// Recv is fed from a subscription on the poly topic.
func DialBroker(addr, name string, connectTimeout time.Duration) (*BrokerTransport, error) {
	nodeTopic, polyTopic := topics(name)

	t := &BrokerTransport{
		nodeTopic: nodeTopic,
		polyTopic: polyTopic,
		recv:      make(chan []byte, 64),
	}

	opts := mqtt.NewClientOptions().
		AddBroker(addr).
		SetClientID("polyglot-" + name).
		SetAutoReconnect(true).
		SetConnectTimeout(connectTimeout)

	opts.SetOnConnectHandler(func(c mqtt.Client) {
		c.Subscribe(polyTopic, 1, func(_ mqtt.Client, msg mqtt.Message) {
			line := append([]byte(nil), msg.Payload()...)
			t.recv <- line
		})
	})

	client := mqtt.NewClient(opts)
	tok := client.Connect()
	if !tok.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("connect to broker %s: timeout", addr)
	}
	if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("connect to broker %s: %w", addr, err)
	}
	t.client = client
	return t, nil
}

// Send publishes line on the node topic, core-to-child.
func (t *BrokerTransport) Send(line []byte) error {
	tok := t.client.Publish(t.nodeTopic, 1, false, line)
	tok.Wait()
	return tok.Error()
}

func (t *BrokerTransport) Recv() <-chan []byte   { return t.recv }
func (t *BrokerTransport) Stderr() <-chan []byte { return nil }

// Close disconnects from the broker. Presence is the child's to declare,
// so this does not publish anything.
func (t *BrokerTransport) Close() error {
	if t.client == nil {
		return nil
	}
	t.client.Disconnect(250)
	return nil
}
