package usb

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/juju/errors"
)

type Config struct {
	VendorID  uint16
	ProductID uint16
	// Product is exact USB product string of accepted cable.
	Product   string
	SysfsRoot string
	DevRoot   string
	TTYPrefix string
}

func (c *Config) setDefaults() {
	if c.VendorID == 0 {
		c.VendorID = DefaultVendorID
	}
	if c.ProductID == 0 {
		c.ProductID = DefaultProductID
	}
	if c.Product == "" {
		c.Product = DefaultProduct
	}
	if c.SysfsRoot == "" {
		c.SysfsRoot = DefaultSysfsRoot
	}
	if c.DevRoot == "" {
		c.DevRoot = DefaultDevRoot
	}
	if c.TTYPrefix == "" {
		c.TTYPrefix = DefaultTTYPrefix
	}
}

func (c *Config) devicesDir() string { return filepath.Join(c.SysfsRoot, "bus", "usb", "devices") }

type DeviceInfo struct {
	Name       string // sysfs kernel name "1-3"
	Attachment Attachment
	VendorID   uint16
	ProductID  uint16
	Product    string
}

func (d DeviceInfo) String() string {
	return fmt.Sprintf("%s %04x:%04x '%s'", d.Name, d.VendorID, d.ProductID, d.Product)
}

// Resolver turns attachment into verified tty device path.
type Resolver struct {
	c Config
}

func NewResolver(c Config) *Resolver {
	c.setDefaults()
	return &Resolver{c: c}
}

func (r *Resolver) Config() Config { return r.c }

// Enumerate returns attached devices matching vendor/product id, sorted by name.
func (r *Resolver) Enumerate() ([]DeviceInfo, error) {
	entries, err := os.ReadDir(r.c.devicesDir())
	if err != nil {
		return nil, errors.Annotate(err, "usb enumerate")
	}
	result := make([]DeviceInfo, 0, 4)
	for _, entry := range entries {
		d, err := r.readDevice(entry.Name())
		if err != nil {
			continue
		}
		if d.VendorID == r.c.VendorID && d.ProductID == r.c.ProductID {
			result = append(result, d)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

// Lookup finds matching vendor/product device at attachment.
// Exact kernel name is used when known, otherwise first device at bus/port.
func (r *Resolver) Lookup(a Attachment) (DeviceInfo, error) {
	entries, err := os.ReadDir(r.c.devicesDir())
	if err != nil {
		return DeviceInfo{}, errors.Annotate(err, "usb lookup")
	}
	for _, entry := range entries {
		name := entry.Name()
		if a.Name != "" && name != a.Name {
			continue
		}
		bus, port, ok := parseKernelName(name)
		if !ok || bus != a.Bus || port != a.Port {
			continue
		}
		d, err := r.readDevice(name)
		if err != nil {
			if a.Name != "" {
				return d, err
			}
			continue
		}
		if d.VendorID != r.c.VendorID || d.ProductID != r.c.ProductID {
			continue
		}
		return d, nil
	}
	return DeviceInfo{}, errors.NotFoundf("usb device %s", a.Slot().String())
}

// Resolve verifies product string and finds tty device node of attachment.
// Caller must wait for device node to settle after arrival.
func (r *Resolver) Resolve(a Attachment) (string, error) {
	d, err := r.Lookup(a)
	if err != nil {
		return "", err
	}
	if d.Product != r.c.Product {
		return "", errors.NotValidf("usb %s product='%s' expected='%s'", d.Name, d.Product, r.c.Product)
	}
	config := a.Config
	if config == 0 {
		config = d.Attachment.Config
	}
	ifaceName := fmt.Sprintf("%s:%d.0", d.Name, config)
	ifaceDir := filepath.Join(r.c.devicesDir(), d.Name, ifaceName)
	entries, err := os.ReadDir(ifaceDir)
	if err != nil {
		return "", errors.Annotatef(err, "usb %s interface", d.Name)
	}
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), r.c.TTYPrefix) {
			return filepath.Join(r.c.DevRoot, entry.Name()), nil
		}
	}
	return "", errors.NotFoundf("usb %s tty %s*", ifaceName, r.c.TTYPrefix)
}

func (r *Resolver) readDevice(name string) (DeviceInfo, error) {
	att, ok := newAttachment(name)
	if !ok {
		return DeviceInfo{}, errors.NotValidf("usb device name=%s", name)
	}
	d := DeviceInfo{Name: name, Attachment: att}
	path := filepath.Join(r.c.devicesDir(), name)

	var err error
	if d.VendorID, err = readSysfsHexUint16(filepath.Join(path, "idVendor")); err != nil {
		return d, errors.Annotatef(err, "usb %s", name)
	}
	if d.ProductID, err = readSysfsHexUint16(filepath.Join(path, "idProduct")); err != nil {
		return d, errors.Annotatef(err, "usb %s", name)
	}
	// absent when device has no product string descriptor
	if b, err := os.ReadFile(filepath.Join(path, "product")); err == nil {
		d.Product = strings.TrimSuffix(string(b), "\n")
	}
	// empty when device is not configured
	d.Attachment.Config, _ = readSysfsUint8(filepath.Join(path, "bConfigurationValue"))
	return d, nil
}

func readSysfsString(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func readSysfsUint8(path string) (uint8, error) {
	s, err := readSysfsString(path)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(s, 10, 8)
	return uint8(v), err
}

func readSysfsHexUint16(path string) (uint16, error) {
	s, err := readSysfsString(path)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 16)
	return uint16(v), err
}
