// Separate package is workaround to import cycles.
package tele_config

type Config struct {
	Log struct {
		Enable bool `hcl:"enable"`
		Debug  bool `hcl:"debug"`
	} `hcl:"log"`
	Mqtt Mqtt `hcl:"mqtt"`
	// QueueSize bounds pending notifications, overflow is dropped.
	QueueSize int `hcl:"queue_size"`
}

type Mqtt struct { //nolint:maligned
	Enable            bool   `hcl:"enable"`
	Broker            string `hcl:"broker"`
	ClientID          string `hcl:"client_id"`
	Username          string `hcl:"username"`
	Password          string `hcl:"password"` // secret
	TopicPrefix       string `hcl:"topic_prefix"`
	Payload           string `hcl:"payload"` // proto|cbor
	Qos               int    `hcl:"qos"`
	KeepaliveSec      int    `hcl:"keepalive_sec"`
	NetworkTimeoutSec int    `hcl:"network_timeout_sec"`
	LogDebug          bool   `hcl:"log_debug"`
}
