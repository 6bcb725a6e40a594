package main

import (
	"expvar"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/vemon/acquire"
	"github.com/temoto/vemon/cmd/vemon/subcmd"
	"github.com/temoto/vemon/hardware/usb"
	"github.com/temoto/vemon/log2"
	"github.com/temoto/vemon/state"
	"github.com/temoto/vemon/tele"
)

const usage = `usage: vemon [flags] [command]
commands:
- run           (default) acquire telemetry until SIGINT/SIGTERM
- list          show attached cables and resolved tty paths
- check-config  read and validate config, exit
`

var log = log2.NewStderr(log2.LDebug)

var modules = []subcmd.Mod{
	{Name: "run", Main: runMain},
	{Name: "list", Main: listMain},
	{Name: "check-config", Main: func(log *log2.Log, config *state.Config) error {
		log.Infof("config ok")
		return nil
	}},
}

var flagDebugListen = flag.String("debug-listen", "", "serve expvar /debug/vars on address, empty disables")

func main() {
	flagConfig := flag.String("config", "vemon.hcl", "")
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	command := flag.Arg(0)
	if command == "" {
		command = "run"
	}
	mod, err := subcmd.Parse(command, modules)
	if err != nil {
		log.Fatal(err)
	}

	if subcmd.SdNotify("start") {
		// we're under systemd, assume systemd journal logging, remove timestamp
		log.SetFlags(log2.LServiceFlags)
	} else {
		log.SetFlags(log2.LInteractiveFlags)
	}

	config := state.MustReadConfig(log, state.NewOsFullReader(), *flagConfig)
	if err := mod.Main(log, config); err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
}

func runMain(log *log2.Log, config *state.Config) error {
	if !config.Acquire.LogDebug {
		log.SetLevel(log2.LInfo)
	}

	usbConfig := config.UsbConfig()
	monitor, err := usb.NewMonitor(log, usbConfig)
	if err != nil {
		// no polling fallback
		return errors.Annotate(err, "usb hotplug is required")
	}

	sinks := tele.Multi{}
	if config.Tele.Log.Enable {
		l := log.Clone(log2.LInfo)
		if config.Tele.Log.Debug {
			l.SetLevel(log2.LDebug)
		}
		sinks = append(sinks, tele.NewLog(l))
	}
	var mqttSink *tele.MQTT
	if config.Tele.Mqtt.Enable {
		if mqttSink, err = tele.NewMQTT(log, config.Tele.Mqtt); err != nil {
			return errors.Annotate(err, "tele mqtt")
		}
		sinks = append(sinks, mqttSink)
	}
	sink := tele.NewAsync(sinks, config.Tele.QueueSize)

	q := usb.NewQueue()
	registry := acquire.NewRegistry(log, config.AcquireConfig(), q, usb.NewResolver(usbConfig), acquire.OpenSerial, sink)
	publishStats(q, registry, sink)

	a := alive.NewAlive()
	sigch := make(chan os.Signal, 1)
	signal.Notify(sigch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigch
		log.Infof("signal=%s stopping", s.String())
		a.Stop()
	}()

	monitorErr := make(chan error, 1)
	a.Add(1)
	go func() {
		defer a.Done()
		err := monitor.Run(a, q)
		if err != nil {
			log.Errorf("usb hotplug: %v", err)
			a.Stop()
		}
		monitorErr <- err
	}()
	a.Add(1)
	go func() {
		defer a.Done()
		registry.Run(a)
	}()

	subcmd.SdNotify(daemon.SdNotifyReady)
	log.Infof("vemon running")

	a.Wait()
	subcmd.SdNotify(daemon.SdNotifyStopping)
	sink.Close()
	if mqttSink != nil {
		mqttSink.Close()
	}
	log.Infof("stopped %s tele_dropped=%d", registry.Stat.Load().String(), sink.Dropped())
	return <-monitorErr
}

func listMain(log *log2.Log, config *state.Config) error {
	r := usb.NewResolver(config.UsbConfig())
	ds, err := r.Enumerate()
	if err != nil {
		return err
	}
	for _, d := range ds {
		path, err := r.Resolve(d.Attachment)
		if err != nil {
			fmt.Printf("%s\t%s\terror: %v\n", d.Attachment.String(), d.String(), err)
			continue
		}
		fmt.Printf("%s\t%s\t%s\n", d.Attachment.String(), d.String(), path)
	}
	return nil
}

func publishStats(q *usb.Queue, registry *acquire.Registry, sink *tele.Async) {
	expvar.Publish("vemon.usb_queue", expvar.Func(func() interface{} { return q.Len() }))
	expvar.Publish("vemon.registry", expvar.Func(func() interface{} { return registry.Stat.Load() }))
	expvar.Publish("vemon.connections", expvar.Func(func() interface{} { return registry.Status() }))
	expvar.Publish("vemon.read_bytes", registry.ReadBytes)
	expvar.Publish("vemon.tele_dropped", expvar.Func(func() interface{} { return sink.Dropped() }))

	if *flagDebugListen != "" {
		// expvar registers /debug/vars on default mux
		go func() {
			if err := http.ListenAndServe(*flagDebugListen, nil); err != nil {
				log.Errorf("debug-listen: %v", err)
			}
		}()
	}
}
