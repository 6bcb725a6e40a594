package vedirect

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/juju/errors"
)

type Kind uint8

const (
	KindInvalid Kind = iota
	KindMainVoltage
	KindAuxVoltage
	KindPanelVoltage
	KindPanelPower
	KindMainCurrent
	KindLoadCurrent
	KindInstantaneousPower
	KindConsumedAmpHours
	KindStateOfCharge
	KindACOutputVoltage
	KindACOutputApparentPower
	KindTrackerMode
	KindMonitorMode
	KindProductId
	kindMax
)

var kindNames = [kindMax]string{
	KindInvalid:               "invalid",
	KindMainVoltage:           "main_voltage",
	KindAuxVoltage:            "aux_voltage",
	KindPanelVoltage:          "panel_voltage",
	KindPanelPower:            "panel_power",
	KindMainCurrent:           "main_current",
	KindLoadCurrent:           "load_current",
	KindInstantaneousPower:    "instantaneous_power",
	KindConsumedAmpHours:      "consumed_amp_hours",
	KindStateOfCharge:         "state_of_charge",
	KindACOutputVoltage:       "ac_output_voltage",
	KindACOutputApparentPower: "ac_output_apparent_power",
	KindTrackerMode:           "tracker_mode",
	KindMonitorMode:           "monitor_mode",
	KindProductId:             "product_id",
}

func (k Kind) String() string {
	if k < kindMax {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Marker kinds carry no numeric payload.
func (k Kind) Marker() bool { return k == KindTrackerMode || k == KindMonitorMode }

// Register is one decoded field. Value is scaled to base units
// (V, A, W, Ah, percent, VA). For KindProductId, Value holds the
// product id and PID() returns it exactly.
type Register struct {
	Kind  Kind
	Value float32
	pid   uint16
}

func NewRegister(k Kind, v float32) Register { return Register{Kind: k, Value: v} }
func NewProductId(pid uint16) Register {
	return Register{Kind: KindProductId, Value: float32(pid), pid: pid}
}

func (r Register) PID() (uint16, bool) { return r.pid, r.Kind == KindProductId }

func (r Register) String() string {
	switch {
	case r.Kind.Marker():
		return r.Kind.String()
	case r.Kind == KindProductId:
		return fmt.Sprintf("%s(0x%04X)", r.Kind.String(), r.pid)
	default:
		return fmt.Sprintf("%s(%g)", r.Kind.String(), r.Value)
	}
}

var ErrUnknownLabel = errors.New("unknown label")

type decodeRule struct {
	kind    Kind
	divisor float32
}

// values arrive as integers in protocol sub-units
var decodeTable = map[string]decodeRule{
	"V":        {KindMainVoltage, 1000},
	"VS":       {KindAuxVoltage, 1000},
	"VPV":      {KindPanelVoltage, 1000},
	"PPV":      {KindPanelPower, 1},
	"I":        {KindMainCurrent, 1000},
	"IL":       {KindLoadCurrent, 1000},
	"P":        {KindInstantaneousPower, 1000},
	"CE":       {KindConsumedAmpHours, 1000},
	"SOC":      {KindStateOfCharge, 10},
	"AC_OUT_V": {KindACOutputVoltage, 100},
	"AC_OUT_S": {KindACOutputApparentPower, 1},
	"MPPT":     {KindTrackerMode, 0},
	"MON":      {KindMonitorMode, 0},
}

// Decode converts one label/value pair into Register.
func Decode(label, value string) (Register, error) {
	if label == "PID" {
		// "0xA056": 2 character prefix, then hex
		if len(value) <= 2 {
			return Register{}, errors.NotValidf("PID value='%s'", value)
		}
		pid, err := strconv.ParseUint(value[2:], 16, 16)
		if err != nil {
			return Register{}, errors.Annotatef(err, "PID value='%s'", value)
		}
		return NewProductId(uint16(pid)), nil
	}

	rule, ok := decodeTable[label]
	if !ok {
		return Register{}, errors.Annotatef(ErrUnknownLabel, "label='%s'", label)
	}
	if rule.kind.Marker() {
		return Register{Kind: rule.kind}, nil
	}
	i, err := strconv.ParseInt(value, 10, 32)
	if err != nil {
		return Register{}, errors.Annotatef(err, "label=%s value='%s'", label, value)
	}
	return NewRegister(rule.kind, float32(i)/rule.divisor), nil
}

// DecodeField accepts "label\tvalue" form.
func DecodeField(field string) (Register, error) {
	i := strings.IndexByte(field, '\t')
	if i < 0 || strings.IndexByte(field[i+1:], '\t') >= 0 {
		return Register{}, errors.NotValidf("field='%s'", field)
	}
	return Decode(field[:i], field[i+1:])
}
