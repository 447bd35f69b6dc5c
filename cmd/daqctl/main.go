// Command daqctl streams samples from attached QuadDAQ boards to stdout,
// optionally relaying them to a UDP peer.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/seagrayinc/quaddaq/internal/daq"
	"github.com/seagrayinc/quaddaq/internal/relay"
	"github.com/seagrayinc/quaddaq/internal/usb"
)

var (
	listOnly = flag.Bool("list", false, "list attached boards and exit")
	udpAddr  = flag.String("udp", "", "relay samples to this UDP address (host:port)")
	interval = flag.Duration("poll", usb.DefaultPollInterval, "bus poll interval for attach/detach detection")
	verbose  = flag.Bool("v", false, "debug logging")
)

func main() {
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	ctx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGTERM, syscall.SIGINT,
	)
	defer stop()

	backend := usb.NewGousbBackend()
	defer backend.Close()

	if *listOnly {
		if err := list(ctx, backend); err != nil {
			slog.Error("list failed", slog.Any("error", err))
			os.Exit(1)
		}
		return
	}

	registry := daq.NewRegistry(backend)
	id, events := registry.Subscribe()
	defer registry.Unsubscribe(id)

	go func() {
		if err := registry.Watch(ctx, *interval); err != nil && ctx.Err() == nil {
			slog.Error("watch failed", slog.Any("error", err))
			stop()
		}
	}()

	slog.Info("waiting for boards", slog.Duration("poll", *interval))
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-events:
			switch e.Kind {
			case daq.DeviceConnected:
				go stream(ctx, e.Session)
			case daq.DeviceDisconnected:
				slog.Info("board gone", slog.String("device", e.Session.ID()))
			}
		}
	}
}

func list(ctx context.Context, backend usb.Backend) error {
	infos, err := backend.Enumerate(ctx)
	if err != nil {
		return err
	}
	found := 0
	for _, info := range infos {
		if !daq.Accepts(info) {
			continue
		}
		found++
		fmt.Printf("%s\n", info)
	}
	if found == 0 {
		fmt.Println("no supported boards attached")
	}
	return nil
}

// stream opens one session and prints its samples until it ends.
func stream(ctx context.Context, s *daq.Session) {
	log := slog.With(slog.String("device", s.ID()))

	if err := s.Open(ctx); err != nil {
		log.Error("open failed", slog.Any("error", err))
		return
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.Close(closeCtx); err != nil {
			log.Warn("close failed", slog.Any("error", err))
		}
	}()

	if d, err := s.Describe(ctx); err == nil {
		log.Info("board", slog.String("manufacturer", d.Manufacturer),
			slog.String("product", d.Product), slog.String("serial", d.SerialNumber))
	}

	if *udpAddr != "" {
		r, err := relay.Dial(*udpAddr)
		if err != nil {
			log.Error("relay dial failed", slog.Any("error", err))
			return
		}
		defer r.Close()
		go r.Forward(ctx, s)
	}

	id, events := s.Subscribe()
	defer s.Unsubscribe(id)

	if err := s.Start(ctx); err != nil {
		log.Error("start failed", slog.Any("error", err))
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case e := <-events:
			switch e.Kind {
			case daq.EventSample:
				fmt.Printf("%s  an1=%5d an2=%5d an3=%5d an4=%5d\n",
					s.ID(), e.Sample.AN1, e.Sample.AN2, e.Sample.AN3, e.Sample.AN4)
			case daq.EventError:
				log.Warn("session error", slog.Any("error", e.Err))
			case daq.EventDisconnected:
				return
			}
		}
	}
}
