package tele

import (
	"github.com/temoto/vemon/log2"
	"github.com/temoto/vemon/vedirect"
)

// Log sink writes every notification as text line.
type Log struct {
	log *log2.Log
}

var _ Sinker = Log{}

func NewLog(log *log2.Log) Log { return Log{log: log} }

func (l Log) Register(c vedirect.Category, r vedirect.Register) {
	if q, ok := Route(c, r); ok {
		l.log.Infof("tele %s %s=%g (%s)", c.String(), q.Name, q.Value, r.String())
		return
	}
	l.log.Debugf("tele %s %s", c.String(), r.String())
}

func (l Log) Online(c vedirect.Category, online bool) {
	if online {
		l.log.Infof("tele %s online", c.String())
	} else {
		l.log.Errorf("tele %s offline", c.String())
	}
}
