package tele

import (
	"github.com/temoto/vemon/vedirect"
)

// Sinker receives decoded telemetry. Contract:
// - must not block caller longer than bounded marshaling delay
// - delivery failures are swallowed by implementation
// - called from single acquisition goroutine, wrap with Async for anything slow
type Sinker interface {
	Register(vedirect.Category, vedirect.Register)
	Online(vedirect.Category, bool)
}

type Noop struct{}

var _ Sinker = Noop{} // compile-time interface test

func (Noop) Register(vedirect.Category, vedirect.Register) {}
func (Noop) Online(vedirect.Category, bool)                {}

// Multi delivers to every sink in order.
type Multi []Sinker

func (m Multi) Register(c vedirect.Category, r vedirect.Register) {
	for _, s := range m {
		s.Register(c, r)
	}
}

func (m Multi) Online(c vedirect.Category, online bool) {
	for _, s := range m {
		s.Online(c, online)
	}
}

// Quantity is category specific meaning of register,
// e.g. shunt aux voltage is starter battery voltage.
type Quantity struct {
	Name  string
	Value float32
}

// Route maps register of known device to derived quantity.
func Route(c vedirect.Category, r vedirect.Register) (Quantity, bool) {
	switch c {
	case vedirect.CategorySmartShunt:
		switch r.Kind {
		case vedirect.KindAuxVoltage:
			return Quantity{"starter_battery_voltage", r.Value}, true
		case vedirect.KindStateOfCharge:
			return Quantity{"house_battery_level", r.Value / 100}, true
		}
	case vedirect.CategorySolarMppt:
		if r.Kind == vedirect.KindPanelPower {
			return Quantity{"solar_power", r.Value}, true
		}
	case vedirect.CategoryPhoenixInverter:
		if r.Kind == vedirect.KindACOutputApparentPower {
			return Quantity{"inverter_power", r.Value}, true
		}
	case vedirect.CategoryUnknown:
	default:
		panic("code error tele.Route unhandled category=" + c.String())
	}
	return Quantity{}, false
}
