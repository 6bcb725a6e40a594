package vedirect

import "fmt"

type Category uint8

const (
	CategoryUnknown Category = iota
	CategorySmartShunt
	CategorySolarMppt
	CategoryPhoenixInverter
	categoryMax
)

// Categories lists every known category, Unknown excluded.
var Categories = []Category{CategorySmartShunt, CategorySolarMppt, CategoryPhoenixInverter}

func (c Category) String() string {
	switch c {
	case CategoryUnknown:
		return "unknown"
	case CategorySmartShunt:
		return "smart_shunt"
	case CategorySolarMppt:
		return "solar_mppt"
	case CategoryPhoenixInverter:
		return "phoenix_inverter"
	}
	return fmt.Sprintf("category(%d)", uint8(c))
}

func (c Category) Known() bool { return c != CategoryUnknown && c < categoryMax }

// CategoryByPID maps product id to device category.
func CategoryByPID(pid uint16) Category {
	switch {
	case pid == 0xa056:
		return CategorySolarMppt
	case pid >= 0xa389 && pid <= 0xa38b:
		return CategorySmartShunt
	case pid == 0xa2e9:
		return CategoryPhoenixInverter
	}
	return CategoryUnknown
}

// Identity is per connection device category.
// Once known, category sticks for the connection lifetime.
type Identity struct {
	category Category
	pid      uint16
}

func (id *Identity) Category() Category { return id.category }
func (id *Identity) PID() uint16        { return id.pid }

// Observe feeds product id register. Returns true when category changed.
func (id *Identity) Observe(r Register) bool {
	pid, ok := r.PID()
	if !ok || id.category.Known() {
		return false
	}
	c := CategoryByPID(pid)
	if !c.Known() {
		return false
	}
	id.category, id.pid = c, pid
	return true
}
