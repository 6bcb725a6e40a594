package vedirect

import (
	"fmt"
	"sync/atomic"
)

const (
	LabelMaxLength = 8
	ValueMaxLength = 20

	checksumLabel = "Checksum"
)

type parseState uint8

const (
	stateIdle parseState = iota
	stateLabel
	stateValue
	stateChecksum
)

func (s parseState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateLabel:
		return "label"
	case stateValue:
		return "value"
	case stateChecksum:
		return "checksum"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// Stat counters are safe to read concurrently with Push.
type Stat struct {
	Frames        uint32
	ChecksumError uint32
	FramingError  uint32
	FieldDropped  uint32
}

func (s *Stat) Load() Stat {
	return Stat{
		Frames:        atomic.LoadUint32(&s.Frames),
		ChecksumError: atomic.LoadUint32(&s.ChecksumError),
		FramingError:  atomic.LoadUint32(&s.FramingError),
		FieldDropped:  atomic.LoadUint32(&s.FieldDropped),
	}
}

func (s Stat) String() string {
	return fmt.Sprintf("frames=%d checksum_error=%d framing_error=%d field_dropped=%d",
		s.Frames, s.ChecksumError, s.FramingError, s.FieldDropped)
}

// Parser is text protocol state machine, one per connection.
// Not safe for concurrent use, except Stat.
//
// Parser.Push consumes exactly one byte and returns ok=true with registers
// of one complete checksum-valid frame. Valid frame may carry zero registers.
// Malformed input drops in-flight frame and resumes scanning.
type Parser struct {
	Identity Identity
	Stat     Stat

	state    parseState
	checksum uint8
	label    [LabelMaxLength + 1]byte
	labelLen int
	value    [ValueMaxLength + 1]byte
	valueLen int
	regs     []Register

	// OnField is called for every field regardless of decode result, may be nil.
	OnField func(label, value string, err error)
}

func NewParser() *Parser { return &Parser{} }

func (p *Parser) Category() Category { return p.Identity.Category() }

func (p *Parser) Push(b byte) ([]Register, bool) {
	p.checksum += b // wraps

	switch p.state {
	case stateIdle:
		switch b {
		case '\n':
			p.state = stateLabel
		case '\r':
		default:
			p.malformed()
		}

	case stateLabel:
		if b == '\t' {
			if string(p.label[:p.labelLen]) == checksumLabel {
				p.state = stateChecksum
			} else {
				p.state = stateValue
			}
			return nil, false
		}
		p.label[p.labelLen] = b
		p.labelLen++
		if p.labelLen > LabelMaxLength {
			p.malformed()
		}

	case stateValue:
		if b == '\r' {
			p.field()
			return nil, false
		}
		p.value[p.valueLen] = b
		p.valueLen++
		if p.valueLen > ValueMaxLength {
			p.malformed()
		}

	case stateChecksum:
		valid := p.checksum == 0
		var result []Register
		if valid {
			result = make([]Register, len(p.regs))
			copy(result, p.regs)
			atomic.AddUint32(&p.Stat.Frames, 1)
		} else {
			atomic.AddUint32(&p.Stat.ChecksumError, 1)
		}
		p.reset()
		return result, valid

	default:
		panic("code error vedirect parser state=" + p.state.String())
	}
	return nil, false
}

// Reset drops in-flight frame. Identity is kept.
func (p *Parser) Reset() { p.reset() }

func (p *Parser) field() {
	label := string(p.label[:p.labelLen])
	value := string(p.value[:p.valueLen])
	r, err := Decode(label, value)
	if err == nil {
		p.Identity.Observe(r)
		p.regs = append(p.regs, r)
	} else {
		// single unknown field must not invalidate frame
		atomic.AddUint32(&p.Stat.FieldDropped, 1)
	}
	if p.OnField != nil {
		p.OnField(label, value, err)
	}
	p.labelLen, p.valueLen = 0, 0
	p.state = stateIdle
}

func (p *Parser) malformed() {
	atomic.AddUint32(&p.Stat.FramingError, 1)
	p.reset()
}

func (p *Parser) reset() {
	p.state = stateIdle
	p.checksum = 0
	p.labelLen, p.valueLen = 0, 0
	p.regs = p.regs[:0]
}
