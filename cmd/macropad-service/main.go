package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"macropad-service/internal/core"
	"macropad-service/internal/hardware"
	"macropad-service/internal/logger"
	"macropad-service/internal/messaging"
	"macropad-service/internal/storage"
)

func main() {
	var serviceLogLevel int
	flag.IntVar(&serviceLogLevel, "log", 3, "Service log level (0=NONE, 1=ERROR, 2=WARN, 3=INFO, 4=DEBUG)")

	var redisHost string
	var redisPort int
	flag.StringVar(&redisHost, "redis-host", "127.0.0.1", "Redis server host")
	flag.IntVar(&redisPort, "redis-port", 6379, "Redis server port")

	var sampleMs, windowMs int
	flag.IntVar(&sampleMs, "sample", 10, "Switch sampling interval in milliseconds")
	flag.IntVar(&windowMs, "window", 100, "Chord execution window in milliseconds")

	var chipName, hidDevice, storePath string
	var storeSize int64
	flag.StringVar(&chipName, "chip", hardware.DefaultChip, "GPIO chip for the switch bank")
	flag.StringVar(&hidDevice, "hid", hardware.DefaultHidDevice, "HID keyboard gadget device")
	flag.StringVar(&storePath, "store", "/var/lib/macropad/config.bin", "Persistent configuration store")
	flag.Int64Var(&storeSize, "store-size", 64*1024, "Persistent store capacity in bytes")

	flag.Parse()

	// Create standard logger with appropriate format
	var stdLogger *log.Logger
	if os.Getenv("INVOCATION_ID") != "" {
		// Running under systemd, use minimal format
		stdLogger = log.New(os.Stdout, "", 0)
	} else {
		// Running interactively, use timestamps
		stdLogger = log.New(os.Stdout, "", log.LstdFlags|log.Lmicroseconds|log.Lmsgprefix)
	}

	// Create leveled logger
	l := logger.NewLogger(stdLogger, logger.LogLevel(serviceLogLevel))

	l.Infof("Starting macropad service...")

	scanner, err := hardware.NewGpioScanner(chipName, hardware.SwitchLines, l)
	if err != nil {
		l.Fatalf("Failed to open switch bank: %v", err)
	}

	sink, err := hardware.NewGadgetSink(hidDevice, l)
	if err != nil {
		l.Fatalf("Failed to open HID gadget: %v", err)
	}
	defer sink.Close()

	store, err := storage.OpenFileStore(storePath, storeSize)
	if err != nil {
		l.Fatalf("Failed to open store: %v", err)
	}
	defer store.Close()

	redisClient := messaging.NewRedisClient(redisHost, redisPort, l, messaging.Callbacks{})

	system, err := core.NewMacropadSystem(core.Config{
		SwitchCount:      len(hardware.SwitchLines),
		SamplingInterval: time.Duration(sampleMs) * time.Millisecond,
		ChordWindow:      time.Duration(windowMs) * time.Millisecond,
	}, scanner, sink, store, redisClient, l)
	if err != nil {
		l.Fatalf("Failed to create system: %v", err)
	}

	if err := system.Start(context.Background()); err != nil {
		l.Fatalf("Failed to start system: %v", err)
	}

	l.Infof("System started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	l.Infof("Received signal %v, shutting down...", sig)
	system.Shutdown()
	if err := store.Sync(); err != nil {
		l.Warnf("Failed to sync store: %v", err)
	}
	l.Infof("Shutdown complete")
}
