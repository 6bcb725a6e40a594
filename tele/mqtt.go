package tele

import (
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/vemon/helpers"
	"github.com/temoto/vemon/log2"
	tele_config "github.com/temoto/vemon/tele/config"
	"github.com/temoto/vemon/vedirect"
)

const (
	defaultNetworkTimeout = 30 * time.Second
	defaultTopicPrefix    = "vemon"
	defaultClientID       = "vemon"
)

type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTT sink publishes:
// - <prefix>/<category>/<register> every decoded register
// - <prefix>/quantity/<name> derived quantity, see Route
// - <prefix>/<category>/online retained online state
// - <prefix>/status retained "online", will "offline"
type MQTT struct {
	log     *log2.Log
	alive   *alive.Alive
	m       mqtt.Client
	mopt    *mqtt.ClientOptions
	pub     publisher
	codec   Codec
	prefix  string
	qos     byte
	timeout time.Duration
	now     func() time.Time
}

var _ Sinker = &MQTT{}

func NewMQTT(log *log2.Log, c tele_config.Mqtt) (*MQTT, error) {
	if c.Broker == "" {
		return nil, errors.NotValidf("tele mqtt broker empty")
	}
	codec, err := NewCodec(c.Payload)
	if err != nil {
		return nil, err
	}

	mqttLog := log.Clone(log2.LDebug)
	mqttLog.SetPrefix("tele.mqtt ")
	mqtt.CRITICAL = mqttLog
	mqtt.ERROR = mqttLog
	mqtt.WARN = mqttLog
	if c.LogDebug {
		mqtt.DEBUG = mqttLog
	}

	self := newMQTT(log, c, codec)
	networkTimeout := helpers.IntSecondDefault(c.NetworkTimeoutSec, defaultNetworkTimeout)
	if networkTimeout < 1*time.Second {
		networkTimeout = 1 * time.Second
	}
	connectTimeout := networkTimeout * 3
	keepaliveTimeout := helpers.IntSecondDefault(c.KeepaliveSec, networkTimeout/2)
	clientID := c.ClientID
	if clientID == "" {
		clientID = defaultClientID
	}
	self.timeout = networkTimeout

	self.mopt = mqtt.NewClientOptions().
		AddBroker(c.Broker).
		SetAutoReconnect(true).
		SetBinaryWill(self.prefix+"/status", []byte("offline"), 1, true).
		SetCleanSession(true).
		SetClientID(clientID).
		SetConnectTimeout(connectTimeout).
		SetKeepAlive(keepaliveTimeout).
		SetMaxReconnectInterval(connectTimeout).
		SetOnConnectHandler(self.onConnect).
		SetOrderMatters(false).
		SetPingTimeout(networkTimeout).
		SetWriteTimeout(networkTimeout)
	if c.Username != "" {
		self.mopt.SetUsername(c.Username).SetPassword(c.Password)
	}
	self.m = mqtt.NewClient(self.mopt)
	self.pub = self.m

	self.alive.Add(1)
	go self.online()
	return self, nil
}

func newMQTT(log *log2.Log, c tele_config.Mqtt, codec Codec) *MQTT {
	prefix := c.TopicPrefix
	if prefix == "" {
		prefix = defaultTopicPrefix
	}
	qos := byte(c.Qos)
	if qos > 2 {
		qos = 2
	}
	return &MQTT{
		log:     log,
		alive:   alive.NewAlive(),
		codec:   codec,
		prefix:  prefix,
		qos:     qos,
		timeout: defaultNetworkTimeout,
		now:     time.Now,
	}
}

func (self *MQTT) Register(c vedirect.Category, r vedirect.Register) {
	now := self.now()
	self.publish(fmt.Sprintf("%s/%s/%s", self.prefix, c.String(), r.Kind.String()), false,
		NewSample(c.String(), r.Kind.String(), r.Value, now))
	if q, ok := Route(c, r); ok {
		self.publish(fmt.Sprintf("%s/quantity/%s", self.prefix, q.Name), false,
			NewSample(c.String(), q.Name, q.Value, now))
	}
}

func (self *MQTT) Online(c vedirect.Category, online bool) {
	var v float32
	if online {
		v = 1
	}
	self.publish(fmt.Sprintf("%s/%s/online", self.prefix, c.String()), true,
		NewSample(c.String(), "online", v, self.now()))
}

// Close stops reconnect loop and disconnects.
func (self *MQTT) Close() {
	self.alive.Stop()
	self.alive.Wait()
	if self.m != nil && self.m.IsConnected() {
		t := self.m.Publish(self.prefix+"/status", 1, true, []byte("offline"))
		_ = self.tokenWait(t, "publish status")
		self.m.Disconnect(uint(self.timeout / time.Millisecond))
	}
}

// publish failure is logged and swallowed, paho keeps reconnecting.
func (self *MQTT) publish(topic string, retained bool, s Sample) {
	payload, err := self.codec.Encode(s)
	if err != nil {
		self.log.Errorf("tele mqtt topic=%s %v", topic, err)
		return
	}
	t := self.pub.Publish(topic, self.qos, retained, payload)
	if !t.WaitTimeout(self.timeout) {
		self.log.Debugf("tele mqtt publish topic=%s timeout", topic)
	} else if err := t.Error(); err != nil {
		self.log.Debugf("tele mqtt publish topic=%s err=%v", topic, err)
	}
}

func (self *MQTT) online() {
	defer self.alive.Done()
	stopch := self.alive.StopChan()
	backoff := helpers.Backoff{Min: time.Second, Max: self.timeout, K: 2}
	for self.alive.IsRunning() {
		t := self.m.Connect()
		if self.tokenWait(t, "connect") == nil {
			return // success path, paho reconnects on its own after this
		}
		select {
		case <-time.After(backoff.DelayAfter(false)):
		case <-stopch:
			return
		}
	}
}

func (self *MQTT) onConnect(c mqtt.Client) {
	self.log.Infof("tele mqtt connected")
	t := c.Publish(self.prefix+"/status", 1, true, []byte("online"))
	_ = self.tokenWait(t, "publish status")
}

func (self *MQTT) tokenWait(t mqtt.Token, tag string) error {
	if !t.WaitTimeout(self.timeout) {
		err := errors.Errorf("%s timeout", tag)
		self.log.Errorf("tele mqtt %s", err.Error())
		return err
	}
	if err := t.Error(); err != nil {
		err = errors.Annotate(err, tag)
		self.log.Errorf("tele mqtt %s", err.Error())
		return err
	}
	return nil
}
