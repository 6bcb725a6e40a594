package state

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/hcl"
	"github.com/juju/errors"
	"github.com/temoto/vemon/acquire"
	"github.com/temoto/vemon/hardware/serial"
	"github.com/temoto/vemon/hardware/usb"
	"github.com/temoto/vemon/helpers"
	"github.com/temoto/vemon/log2"
	"github.com/temoto/vemon/tele"
	tele_config "github.com/temoto/vemon/tele/config"
)

const (
	readTimeoutMin = 1 * time.Millisecond
	readTimeoutMax = 1000 * time.Millisecond
)

type Config struct {
	// includeSeen contains absolute paths to prevent include loops
	includeSeen map[string]struct{}
	// only used for Unmarshal, do not access
	XXX_Include []ConfigSource `hcl:"include"`

	Hardware struct {
		Usb struct {
			// hcl v1 decodes into int, not uint16
			VendorID  int    `hcl:"vendor_id"`
			ProductID int    `hcl:"product_id"`
			Product   string `hcl:"product"`
			SysfsRoot string `hcl:"sysfs_root"`
			DevRoot   string `hcl:"dev_root"`
			TTYPrefix string `hcl:"tty_prefix"`
			SettleMs  int    `hcl:"settle_ms"`
		} `hcl:"usb"`
		Serial struct {
			Baud          int `hcl:"baud"`
			ReadTimeoutMs int `hcl:"read_timeout_ms"`
		} `hcl:"serial"`
	} `hcl:"hardware"`

	Acquire struct {
		StaleSec int  `hcl:"stale_sec"`
		IdleMs   int  `hcl:"idle_ms"`
		LogDebug bool `hcl:"log_debug"`
	} `hcl:"acquire"`

	Tele tele_config.Config `hcl:"tele"`

	_copy_guard sync.Mutex //nolint:unused
}

type ConfigSource struct {
	Name     string `hcl:"name,key"`
	Optional bool   `hcl:"optional"`
}

func (c *Config) UsbConfig() usb.Config {
	u := &c.Hardware.Usb
	return usb.Config{
		VendorID:  uint16(u.VendorID),
		ProductID: uint16(u.ProductID),
		Product:   u.Product,
		SysfsRoot: u.SysfsRoot,
		DevRoot:   u.DevRoot,
		TTYPrefix: u.TTYPrefix,
	}
}

func (c *Config) SerialOptions() serial.Options {
	return serial.Options{
		Baud:        c.Hardware.Serial.Baud,
		ReadTimeout: helpers.IntMillisecondDefault(c.Hardware.Serial.ReadTimeoutMs, serial.DefaultReadTimeout),
	}
}

func (c *Config) AcquireConfig() acquire.Config {
	return acquire.Config{
		Serial:      c.SerialOptions(),
		SettleDelay: helpers.IntMillisecondDefault(c.Hardware.Usb.SettleMs, acquire.DefaultSettleDelay),
		StaleWindow: helpers.IntSecondDefault(c.Acquire.StaleSec, acquire.DefaultStaleWindow),
		IdleDelay:   helpers.IntMillisecondDefault(c.Acquire.IdleMs, acquire.DefaultIdleDelay),
		LogDebug:    c.Acquire.LogDebug,
	}
}

// Validate reports every invalid value at once.
func (c *Config) Validate() error {
	errs := make([]error, 0, 4)
	u := &c.Hardware.Usb
	if u.VendorID < 0 || u.VendorID > 0xffff {
		errs = append(errs, errors.NotValidf("config hardware.usb.vendor_id=%d", u.VendorID))
	}
	if u.ProductID < 0 || u.ProductID > 0xffff {
		errs = append(errs, errors.NotValidf("config hardware.usb.product_id=%d", u.ProductID))
	}
	if u.SettleMs < 0 {
		errs = append(errs, errors.NotValidf("config hardware.usb.settle_ms=%d", u.SettleMs))
	}
	if baud := c.Hardware.Serial.Baud; baud != 0 && !serial.SupportedBaud(baud) {
		errs = append(errs, errors.NotSupportedf("config hardware.serial.baud=%d", baud))
	}
	if rt := c.SerialOptions().ReadTimeout; rt < readTimeoutMin || rt > readTimeoutMax {
		errs = append(errs, errors.NotValidf("config hardware.serial.read_timeout_ms=%d expected 1..1000", c.Hardware.Serial.ReadTimeoutMs))
	}
	if c.Acquire.StaleSec < 0 {
		errs = append(errs, errors.NotValidf("config acquire.stale_sec=%d", c.Acquire.StaleSec))
	}
	if c.Acquire.IdleMs < 0 {
		errs = append(errs, errors.NotValidf("config acquire.idle_ms=%d", c.Acquire.IdleMs))
	} else if idle := helpers.IntMillisecondDefault(c.Acquire.IdleMs, acquire.DefaultIdleDelay); idle > c.SerialOptions().ReadTimeout {
		errs = append(errs, errors.NotValidf("config acquire.idle_ms=%d longer than read timeout", c.Acquire.IdleMs))
	}
	if c.Tele.Mqtt.Enable {
		if c.Tele.Mqtt.Broker == "" {
			errs = append(errs, errors.NotValidf("config tele.mqtt.broker empty"))
		}
		if _, err := tele.NewCodec(c.Tele.Mqtt.Payload); err != nil {
			errs = append(errs, errors.Annotate(err, "config"))
		}
		if q := c.Tele.Mqtt.Qos; q < 0 || q > 2 {
			errs = append(errs, errors.NotValidf("config tele.mqtt.qos=%d", q))
		}
	}
	return helpers.FoldErrors(errs)
}

func (c *Config) read(log *log2.Log, fs FullReader, source ConfigSource, errs *[]error) {
	norm := fs.Normalize(source.Name)
	if _, ok := c.includeSeen[norm]; ok {
		*errs = append(*errs, errors.Errorf("config duplicate source=%s", source.Name))
		return
	}
	log.Debugf("config reading source='%s' path=%s", source.Name, norm)
	c.includeSeen[source.Name] = struct{}{}
	c.includeSeen[norm] = struct{}{}

	bs, err := fs.ReadAll(norm)
	if bs == nil && err == nil {
		if !source.Optional {
			err = errors.NotFoundf("config required name=%s path=%s", source.Name, norm)
			*errs = append(*errs, err)
		}
		return
	}
	if err != nil {
		*errs = append(*errs, errors.Annotatef(err, "config source=%s", source.Name))
		return
	}

	err = hcl.Unmarshal(bs, c)
	if err != nil {
		// content may carry mqtt password
		err = errors.Annotatef(err, "config unmarshal source=%s", source.Name)
		*errs = append(*errs, err)
		return
	}

	var includes []ConfigSource
	includes, c.XXX_Include = c.XXX_Include, nil
	for _, include := range includes {
		includeNorm := fs.Normalize(include.Name)
		if _, ok := c.includeSeen[includeNorm]; ok {
			err = errors.Errorf("config include loop: from=%s include=%s", source.Name, include.Name)
			*errs = append(*errs, err)
			continue
		}
		c.read(log, fs, include, errs)
	}
}

// ReadConfig reads and validates names in order, later values overwrite earlier.
func ReadConfig(log *log2.Log, fs FullReader, names ...string) (*Config, error) {
	if len(names) == 0 {
		log.Fatal("code error [Must]ReadConfig() without names")
	}

	if osfs, ok := fs.(*OsFullReader); ok {
		dir, name := filepath.Split(names[0])
		osfs.SetBase(dir)
		names[0] = name
	}
	c := &Config{
		includeSeen: make(map[string]struct{}),
	}
	errs := make([]error, 0, 8)
	for _, name := range names {
		c.read(log, fs, ConfigSource{Name: name}, &errs)
	}
	if len(errs) == 0 {
		if err := c.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	return c, helpers.FoldErrors(errs)
}

func MustReadConfig(log *log2.Log, fs FullReader, names ...string) *Config {
	c, err := ReadConfig(log, fs, names...)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	return c
}
