package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	prompt "github.com/c-bata/go-prompt"
	"github.com/juju/errors"
	"github.com/temoto/vemon/hardware/serial"
	"github.com/temoto/vemon/hardware/usb"
	"github.com/temoto/vemon/helpers/cli"
	"github.com/temoto/vemon/log2"
	"github.com/temoto/vemon/vedirect"
)

const usage = `syntax: one command per line
(main)
- open PATH      open serial port, e.g. /dev/ttyUSB0
- read [MS]      read and decode frames for MS milliseconds (default 2000)
- close          close serial port
- usb            list attached cables and tty paths
- decode HEX     feed hex bytes to parser, show frames
- frame L=V ...  encode frame with checksum, show hex, e.g. frame PID=0xA389 V=12560

(meta)
- log=yes        show every field and decode error
- log=no         hide fields
- stat           parser counters
`

var log = log2.NewStderr(log2.LDebug)

type session struct {
	log    *log2.Log
	out    io.Writer
	opt    serial.Options
	usb    *usb.Resolver
	port   serial.Porter
	parser *vedirect.Parser
	open   func(string, serial.Options) (serial.Porter, error)
}

func main() {
	cmdline := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	devicePath := cmdline.String("device", "", "open serial port at start")
	baud := cmdline.Int("baud", serial.DefaultBaud, "")
	sysfsRoot := cmdline.String("sysfs", usb.DefaultSysfsRoot, "")
	_ = cmdline.Parse(os.Args[1:])

	log.SetFlags(log2.LInteractiveFlags)

	s := newSession(log, os.Stdout)
	s.opt.Baud = *baud
	s.usb = usb.NewResolver(usb.Config{SysfsRoot: *sysfsRoot})
	if *devicePath != "" {
		if err := s.exec("open " + *devicePath); err != nil {
			log.Fatal(errors.ErrorStack(err))
		}
	}
	defer s.closePort()

	cli.MainLoop("vedirect-cli", s.executor, newCompleter())
}

func newSession(log *log2.Log, out io.Writer) *session {
	s := &session{
		log:    log,
		out:    out,
		opt:    serial.Options{Baud: serial.DefaultBaud, ReadTimeout: serial.DefaultReadTimeout},
		usb:    usb.NewResolver(usb.Config{}),
		parser: vedirect.NewParser(),
		open: func(path string, opt serial.Options) (serial.Porter, error) {
			return serial.Open(path, opt)
		},
	}
	return s
}

func newCompleter() func(d prompt.Document) []prompt.Suggest {
	suggests := []prompt.Suggest{
		{Text: "open", Description: "open serial port"},
		{Text: "read", Description: "read frames for N ms"},
		{Text: "close", Description: "close serial port"},
		{Text: "usb", Description: "list attached cables"},
		{Text: "decode", Description: "parse hex bytes"},
		{Text: "frame", Description: "encode frame"},
		{Text: "stat", Description: "parser counters"},
		{Text: "log=yes", Description: "show fields"},
		{Text: "log=no", Description: "hide fields"},
	}

	return func(d prompt.Document) []prompt.Suggest {
		return prompt.FilterFuzzy(suggests, d.GetWordBeforeCursor(), true)
	}
}

func (s *session) executor(line string) {
	if err := s.exec(line); err != nil {
		s.log.Errorf("%s", errors.ErrorStack(err))
	}
}

func (s *session) exec(line string) error {
	words := strings.Fields(line)
	if len(words) == 0 {
		return nil
	}
	args := words[1:]
	switch words[0] {
	case "help":
		fmt.Fprint(s.out, usage)
		return nil
	case "log=yes":
		s.parser.OnField = func(label, value string, err error) {
			if err != nil {
				fmt.Fprintf(s.out, "  %s=%s dropped: %v\n", label, value, err)
			} else {
				fmt.Fprintf(s.out, "  %s=%s\n", label, value)
			}
		}
		return nil
	case "log=no":
		s.parser.OnField = nil
		return nil
	case "stat":
		fmt.Fprintf(s.out, "%s category=%s\n", s.parser.Stat.Load().String(), s.parser.Category().String())
		return nil
	case "open":
		if len(args) != 1 {
			return errors.NotValidf("open expects PATH")
		}
		s.closePort()
		p, err := s.open(args[0], s.opt)
		if err != nil {
			return err
		}
		s.port = p
		s.parser = vedirect.NewParser()
		return nil
	case "close":
		s.closePort()
		return nil
	case "read":
		d := 2 * time.Second
		if len(args) > 0 {
			ms, err := strconv.ParseUint(args[0], 10, 32)
			if err != nil {
				return errors.Annotatef(err, "read MS=%s", args[0])
			}
			d = time.Duration(ms) * time.Millisecond
		}
		return s.read(d)
	case "usb":
		return s.listUsb()
	case "decode":
		b, err := hex.DecodeString(strings.Join(args, ""))
		if err != nil {
			return errors.Annotate(err, "decode")
		}
		s.feed(b)
		return nil
	case "frame":
		fs, err := vedirect.ParseFields(strings.Join(args, " "))
		if err != nil {
			return err
		}
		fmt.Fprintf(s.out, "%x\n", vedirect.AppendFrame(nil, fs...))
		return nil
	}
	return errors.NotSupportedf("command='%s'", words[0])
}

func (s *session) read(d time.Duration) error {
	if s.port == nil {
		return errors.NotFoundf("serial port, use open first")
	}
	buf := make([]byte, 256)
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		n, err := s.port.Read(buf)
		if serial.IsTimeout(err) {
			continue
		}
		if err != nil {
			s.closePort()
			return err
		}
		s.feed(buf[:n])
	}
	return nil
}

func (s *session) feed(b []byte) {
	for _, x := range b {
		if regs, ok := s.parser.Push(x); ok {
			ss := make([]string, len(regs))
			for i, r := range regs {
				ss[i] = r.String()
			}
			fmt.Fprintf(s.out, "frame %s: %s\n", s.parser.Category().String(), strings.Join(ss, " "))
		}
	}
}

func (s *session) listUsb() error {
	ds, err := s.usb.Enumerate()
	if err != nil {
		return err
	}
	if len(ds) == 0 {
		fmt.Fprintln(s.out, "no cables")
	}
	for _, d := range ds {
		path, err := s.usb.Resolve(d.Attachment)
		if err != nil {
			fmt.Fprintf(s.out, "%s error: %v\n", d.String(), err)
			continue
		}
		fmt.Fprintf(s.out, "%s %s\n", d.String(), path)
	}
	return nil
}

func (s *session) closePort() {
	if s.port != nil {
		if err := s.port.Close(); err != nil {
			s.log.Errorf("close: %v", err)
		}
		s.port = nil
	}
}
