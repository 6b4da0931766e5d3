// Command ethercat_master is a minimal reference master: it brings up a
// bus on one interface, maps process data, and runs a cyclic loop
// refreshing inputs/outputs until interrupted.
package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	ethercat "github.com/samsamfire/goethercat"
	"github.com/samsamfire/goethercat/pkg/gateway"
	"github.com/samsamfire/goethercat/pkg/socket"
)

func main() {
	configPath := flag.String("config", "", "path to bus.ini (optional)")
	iface := flag.String("iface", "eth0", "nominal network interface")
	flag.Parse()

	cfg := ethercat.BusConfig{NominalInterface: *iface, CyclePeriod: time.Millisecond}
	if *configPath != "" {
		loaded, err := ethercat.LoadBusConfig(*configPath)
		if err != nil {
			log.Fatalf("[MAIN] loading config: %v", err)
		}
		cfg = loaded
	}

	nominal := socket.NewRawPort()
	if err := nominal.Open(cfg.NominalInterface); err != nil {
		log.Fatalf("[MAIN] opening %s: %v", cfg.NominalInterface, err)
	}
	defer nominal.Close()
	nominal.SetTimeout(2 * time.Millisecond)

	redundancy := socket.NewNullPort()
	reportRedundancy := func() { log.Warn("[MAIN] cable redundancy active: ring is broken") }

	link := ethercat.NewLink(nominal, redundancy, reportRedundancy)
	bus := ethercat.NewBus(link)

	if err := runInit(bus, cfg); err != nil {
		log.Fatalf("[MAIN] init failed: %v", err)
	}

	localOD := gateway.NewLocalObjectDictionary()
	localOD.Set(0x1018, 1, []byte{0x01, 0x00, 0x00, 0x00}) // vendor ID, expedited

	gw, err := gateway.New(":34980", ethercat.NewGatewayForwarder(bus, localOD))
	if err != nil {
		log.Fatalf("[MAIN] gateway socket: %v", err)
	}
	defer gw.Close()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(cfg.CyclePeriod)
	defer ticker.Stop()

	log.Infof("[MAIN] running cyclic loop at %s", cfg.CyclePeriod)
	for {
		select {
		case <-sig:
			log.Info("[MAIN] shutting down")
			return
		case <-ticker.C:
			if err := runCycle(bus); err != nil {
				log.Warnf("[MAIN] cycle error: %v", err)
			}
			if err := gw.FetchRequest(); err != nil {
				log.Warnf("[MAIN] gateway fetch error: %v", err)
			}
			if err := gw.ProcessPendingRequests(); err != nil {
				log.Warnf("[MAIN] gateway reply error: %v", err)
			}
		}
	}
}

func runInit(bus *ethercat.Bus, cfg ethercat.BusConfig) error {
	if err := bus.Discover(); err != nil {
		return err
	}
	if err := bus.Reset(); err != nil {
		return err
	}
	if cfg.PDIWatchdog > 0 {
		if err := bus.ConfigureWatchdogs(cfg.PDIWatchdog.Nanoseconds(), cfg.PDOWatchdog.Nanoseconds()); err != nil {
			return err
		}
	}
	if err := bus.AssignAddresses(); err != nil {
		return err
	}
	bus.ApplyStaticSlaves(cfg)
	if err := bus.FetchEEPROM(1024); err != nil {
		return err
	}
	if err := bus.ConfigureMailboxes(); err != nil {
		return err
	}
	return bus.BuildMapping(0x10000)
}

func runCycle(bus *ethercat.Bus) error {
	if err := bus.SendLogicalReadWrite(); err != nil {
		return err
	}
	if err := bus.SendGetALStatus(); err != nil {
		return err
	}
	return bus.ProcessAwaitingFrames()
}
