// clipsyncd - peer-to-peer clipboard and file sync over LAN
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"clipsync/internal/checkpoint"
	"clipsync/internal/clipboard"
	"clipsync/internal/clipconfig"
	"clipsync/internal/discovery"
	"clipsync/internal/pairing"
	"clipsync/internal/registry"
	"clipsync/internal/syncengine"
)

func main() {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if len(os.Args) < 2 {
		printUsage()
		return
	}

	if err := handleCommand(os.Args[1]); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}

func handleCommand(command string) error {
	switch command {
	case "listen":
		return handleListen()
	case "pair":
		return handlePair()
	case "pair-with":
		return handlePairWith()
	case "send-text":
		return handleSendText()
	case "send-files":
		return handleSendFiles()
	case "announce":
		return handleAnnounce()
	case "request":
		return handleRequest()
	case "cancel":
		return handleCancel()
	case "device-info":
		return handleDeviceInfo()
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// buildEngine wires every collaborator the way spec §9 requires: no global
// state, every dependency constructed and injected explicitly.
func buildEngine(cfg *clipconfig.Config) (*syncengine.Engine, *registry.Registry, *checkpoint.Store, error) {
	reg := registry.New(registry.WithCleanupMaxAge(cfg.TempFileMaxAge()))
	reg.StartSweeping(registry.DefaultSweepInterval)

	ckpt, err := checkpoint.Open(filepath.Join(cfg.ConfigDir, "checkpoints.json"))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open checkpoint store: %w", err)
	}

	pairStore := pairing.NewStore(filepath.Join(cfg.ConfigDir, "pairing.json"))

	var resolver discovery.Resolver
	if cfg.UseAutoDiscovery {
		resolver = discovery.NewBroadcastResolver()
	} else {
		resolver = &discovery.StaticResolver{Peer: discovery.Peer{IP: cfg.PeerIP, Port: cfg.Port}}
	}

	eng, err := syncengine.New(cfg, reg, ckpt, pairStore, resolver, clipboard.NoopAdapter{})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("build sync engine: %w", err)
	}
	return eng, reg, ckpt, nil
}

func loadConfig() (*clipconfig.Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return clipconfig.Load(filepath.Join(home, ".clipsync", "config.yaml"))
}

func handleListen() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	eng, _, _, err := buildEngine(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nShutting down...")
		cancel()
	}()

	addr := fmt.Sprintf(":%d", cfg.Port)
	fmt.Printf("clipsyncd listening on %s (pairing required: %v)\n", addr, cfg.RequirePairing)
	fmt.Println("This machine is now reachable by paired peers.")
	return eng.ListenAndServe(ctx, addr)
}

func handlePair() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	pairStore := pairing.NewStore(filepath.Join(cfg.ConfigDir, "pairing.json"))

	srv := pairing.NewServer()
	pin, keyHalf, err := srv.GeneratePIN()
	if err != nil {
		return fmt.Errorf("generate pin: %w", err)
	}
	issuedAt := time.Now()

	addr := fmt.Sprintf(":%d", cfg.PairingPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on pairing port: %w", err)
	}
	defer ln.Close()

	fmt.Println("=== clipsyncd pairing ===")
	fmt.Printf("PIN: %s\n", pin)
	fmt.Printf("Valid for %s. Enter this PIN on the other device.\n", srv.PINValidity)

	conn, err := ln.Accept()
	if err != nil {
		return fmt.Errorf("accept pairing connection: %w", err)
	}

	device, err := srv.Accept(conn, pin, keyHalf, issuedAt)
	if err != nil {
		return fmt.Errorf("pairing failed: %w", err)
	}
	if err := pairStore.Save(device); err != nil {
		return fmt.Errorf("save paired device: %w", err)
	}

	fmt.Printf("Paired with %s (%s)\n", device.DeviceName, device.DeviceID)
	return nil
}

func handlePairWith() error {
	if len(os.Args) != 4 {
		return fmt.Errorf("usage: clipsyncd pair-with <host:port> <pin>")
	}
	addr := os.Args[2]
	pin := os.Args[3]

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	pairStore := pairing.NewStore(filepath.Join(cfg.ConfigDir, "pairing.json"))

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}

	hostname, _ := os.Hostname()
	localID := uuid.NewString()
	sharedKey, err := pairing.Client(conn, pin, localID, hostname)
	if err != nil {
		return fmt.Errorf("pairing failed: %w", err)
	}

	device := &pairing.Device{
		DeviceID:   localID,
		DeviceName: hostname,
		SharedKey:  hex.EncodeToString(sharedKey),
		PairedAt:   time.Now(),
		LastSeen:   time.Now(),
	}
	if err := pairStore.Save(device); err != nil {
		return fmt.Errorf("save paired device: %w", err)
	}

	fmt.Println("Paired successfully.")
	return nil
}

func handleSendText() error {
	if len(os.Args) != 3 {
		return fmt.Errorf("usage: clipsyncd send-text <text>")
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	eng, _, _, err := buildEngine(cfg)
	if err != nil {
		return err
	}

	ok, err := eng.SendText(context.Background(), os.Args[2])
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("peer rejected the text")
	}
	fmt.Println("Text sent.")
	return nil
}

func handleSendFiles() error {
	if len(os.Args) < 3 {
		return fmt.Errorf("usage: clipsyncd send-files <path> [path...]")
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	eng, _, _, err := buildEngine(cfg)
	if err != nil {
		return err
	}

	ok, err := eng.SendFilesDirect(context.Background(), os.Args[2:])
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("peer rejected the bundle")
	}
	fmt.Println("Files sent.")
	return nil
}

func handleAnnounce() error {
	if len(os.Args) < 3 {
		return fmt.Errorf("usage: clipsyncd announce <path> [path...]")
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	eng, _, _, err := buildEngine(cfg)
	if err != nil {
		return err
	}

	transferID, err := eng.AnnounceFiles(context.Background(), os.Args[2:])
	if err != nil {
		return err
	}
	fmt.Printf("Announced transfer %s\n", transferID)
	return nil
}

func handleRequest() error {
	if len(os.Args) < 3 {
		return fmt.Errorf("usage: clipsyncd request <transfer_id> [dest_dir]")
	}
	transferID := os.Args[2]
	dest := ""
	if len(os.Args) > 3 {
		dest = os.Args[3]
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	eng, _, _, err := buildEngine(cfg)
	if err != nil {
		return err
	}

	paths, err := eng.RequestTransfer(context.Background(), transferID, dest)
	if err != nil {
		return err
	}
	fmt.Printf("Received %d file(s):\n", len(paths))
	for _, p := range paths {
		fmt.Printf("  - %s\n", p)
	}
	return nil
}

func handleCancel() error {
	if len(os.Args) < 3 {
		return fmt.Errorf("usage: clipsyncd cancel <transfer_id> [reason]")
	}
	transferID := os.Args[2]
	reason := "cancelled by user"
	if len(os.Args) > 3 {
		reason = os.Args[3]
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	eng, _, _, err := buildEngine(cfg)
	if err != nil {
		return err
	}

	ok, err := eng.CancelTransfer(transferID, reason)
	if err != nil {
		return err
	}
	if !ok {
		fmt.Println("Nothing to cancel (transfer already finished or unknown).")
		return nil
	}
	fmt.Println("Cancelled.")
	return nil
}

func handleDeviceInfo() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	pairStore := pairing.NewStore(filepath.Join(cfg.ConfigDir, "pairing.json"))
	device, err := pairStore.Load()
	if err != nil {
		return fmt.Errorf("load pairing state: %w", err)
	}

	fmt.Println("=== clipsyncd device information ===")
	if device == nil {
		fmt.Println("No paired device. Run 'clipsyncd pair' to generate a PIN.")
		return nil
	}
	fmt.Printf("Paired device: %s\n", device.DeviceName)
	fmt.Printf("Device ID:     %s\n", device.DeviceID)
	fmt.Printf("Paired at:     %s\n", device.PairedAt.Format("2006-01-02 15:04:05"))
	return nil
}

func printUsage() {
	fmt.Println("clipsyncd - peer-to-peer clipboard and file sync over LAN")
	fmt.Println("\nUsage: clipsyncd <command> [options]")
	fmt.Println("\nCommands:")
	fmt.Println("  listen                       Accept incoming sync connections")
	fmt.Println("  pair                         Generate a pairing PIN and wait for a peer")
	fmt.Println("  pair-with <addr> <pin>       Pair with a peer that displayed a PIN")
	fmt.Println("  send-text <text>             Send clipboard text to the paired peer")
	fmt.Println("  send-files <path...>         Send a small bundle of files directly")
	fmt.Println("  announce <path...>           Announce files/directories for lazy transfer")
	fmt.Println("  request <tid> [dest]         Pull an announced transfer")
	fmt.Println("  cancel <tid> [reason]        Cancel an in-flight transfer")
	fmt.Println("  device-info                  Show the current pairing state")
	fmt.Println("\nAll traffic is AES-256-GCM encrypted once two devices are paired.")
}
