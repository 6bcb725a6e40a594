// Package usb tracks USB-serial telemetry cables on Linux.
// Arrival/departure comes from kernel netlink uevents, identity and tty
// path come from sysfs. No libusb.
package usb

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	DefaultVendorID  uint16 = 0x0403
	DefaultProductID uint16 = 0x6015
	DefaultProduct          = "VE Direct cable"
	DefaultSysfsRoot        = "/sys"
	DefaultDevRoot          = "/dev"
	DefaultTTYPrefix        = "ttyUSB"
)

// Attachment is physical slot identity, not device identity:
// same slot may host different cables over time.
// Name is kernel device name "1-2.4", Bus and Port repeat its first and last number.
type Attachment struct {
	Name   string
	Bus    uint8
	Port   uint8
	Config uint8
}

// newAttachment parses kernel device name, config is left zero.
func newAttachment(name string) (Attachment, bool) {
	bus, port, ok := parseKernelName(name)
	if !ok {
		return Attachment{}, false
	}
	return Attachment{Name: name, Bus: bus, Port: port}, true
}

// Slot ignores config, used for departure matching.
func (a Attachment) Slot() Attachment { return Attachment{Name: a.Name, Bus: a.Bus, Port: a.Port} }

// SameSlot compares kernel names when both are known.
// Bus and last port alone are ambiguous behind hubs: "1-1.4" vs "1-2.4".
func (a Attachment) SameSlot(b Attachment) bool {
	if a.Name != "" && b.Name != "" {
		return a.Name == b.Name
	}
	return a.Bus == b.Bus && a.Port == b.Port
}

func (a Attachment) String() string {
	name := a.Name
	if name == "" {
		name = fmt.Sprintf("%d-%d", a.Bus, a.Port)
	}
	if a.Config == 0 {
		return name
	}
	return fmt.Sprintf("%s:%d", name, a.Config)
}

type EventKind uint8

const (
	EventInvalid EventKind = iota
	EventArrived
	EventLeft
)

func (k EventKind) String() string {
	switch k {
	case EventArrived:
		return "arrived"
	case EventLeft:
		return "left"
	}
	return "invalid"
}

type Event struct {
	Kind       EventKind
	Attachment Attachment
}

func (e Event) String() string { return fmt.Sprintf("usb %s %s", e.Kind.String(), e.Attachment.String()) }

// parseKernelName extracts bus and last port number from sysfs device
// name like "1-3" or "1-1.4". Interface names ("1-3:1.0") and root hubs
// ("usb1") are rejected.
func parseKernelName(name string) (bus, port uint8, ok bool) {
	if strings.ContainsRune(name, ':') {
		return 0, 0, false
	}
	dash := strings.IndexByte(name, '-')
	if dash <= 0 || dash == len(name)-1 {
		return 0, 0, false
	}
	b, err := strconv.ParseUint(name[:dash], 10, 8)
	if err != nil {
		return 0, 0, false
	}
	chain := name[dash+1:]
	if dot := strings.LastIndexByte(chain, '.'); dot >= 0 {
		chain = chain[dot+1:]
	}
	p, err := strconv.ParseUint(chain, 10, 8)
	if err != nil {
		return 0, 0, false
	}
	return uint8(b), uint8(p), true
}
