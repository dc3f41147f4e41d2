package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"lanshare/config"
	"lanshare/crypto"
	"lanshare/discovery"
	"lanshare/eventbus"
	"lanshare/models"
	"lanshare/network"
	"lanshare/storage"
)

const usage = `usage:
  lanshare                          run discovery and receive files
  lanshare peers [-wait 3s]         list devices on the LAN
  lanshare send <device> <file>...  send files to a device id or name`

// node is one running lanshare instance: identity, storage, receiver,
// discovery and sender.
type node struct {
	cfg       *config.DeviceConfig
	log       *logrus.Logger
	store     *storage.Store
	receiver  *network.Receiver
	server    *network.Server
	discovery *discovery.Service
	sender    *network.Sender
}

func main() {
	logger := newLogger()

	command := "serve"
	args := os.Args[1:]
	if len(args) > 0 {
		command, args = args[0], args[1:]
	}
	if command == "help" || command == "-h" || command == "--help" {
		fmt.Println(usage)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	n, err := startNode(logger)
	if err != nil {
		logger.WithError(err).Fatal("startup failed")
	}
	defer n.close()

	switch command {
	case "serve":
		err = n.serve(ctx)
	case "peers":
		err = n.peers(ctx, args)
	case "send":
		err = n.send(ctx, args)
	default:
		err = fmt.Errorf("unknown command %q\n%s", command, usage)
	}
	if err != nil {
		n.close()
		logger.WithError(err).Fatal(command + " failed")
	}
}

func newLogger() *logrus.Logger {
	logger := logrus.StandardLogger()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	level := logrus.InfoLevel
	if raw := os.Getenv(config.EnvPrefix + "_LOG_LEVEL"); raw != "" {
		parsed, err := logrus.ParseLevel(raw)
		if err != nil {
			logger.WithError(err).Warn("invalid log level, using info")
		} else {
			level = parsed
		}
	}
	logger.SetLevel(level)
	return logger
}

func startNode(logger *logrus.Logger) (*node, error) {
	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	key, err := crypto.EnsureIdentityKey(cfg.IdentityKeyPath)
	if err != nil {
		return nil, fmt.Errorf("prepare identity key: %w", err)
	}
	fingerprint := crypto.Fingerprint(key)
	if cfg.KeyFingerprint != fingerprint {
		cfg.KeyFingerprint = fingerprint
		if err := config.Save(cfgPath, cfg); err != nil {
			return nil, fmt.Errorf("persist key fingerprint: %w", err)
		}
	}

	dataDir := filepath.Dir(cfgPath)
	store, dbPath, err := storage.Open(dataDir)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	n := &node{cfg: cfg, log: logger, store: store}

	purged, err := store.PurgeStaleResume(cfg.Transfer.ResumeRetention(), time.Now())
	if err != nil {
		logger.WithError(err).Warn("purge stale resume info failed")
	}
	for _, entry := range purged {
		logger.WithFields(logrus.Fields{
			"task_id":   entry.TaskID,
			"direction": entry.Direction,
			"reason":    entry.Reason,
		}).Debug("purged stale resume info")
	}
	if len(purged) > 0 {
		logger.WithField("entries", len(purged)).Info("purged stale resume info")
	}

	identity := models.DeviceInfo{
		DeviceID:    cfg.DeviceID,
		DeviceName:  cfg.DeviceName,
		DisplayName: cfg.DisplayName,
		Platform:    runtime.GOOS,
		Fingerprint: fingerprint,
	}

	n.receiver, err = network.NewReceiver(network.ReceiverOptions{
		Identity: identity,
		Policy:   cfg.Policy(),
		Settings: cfg.Transfer,
		Resume:   store,
		Files:    store,
		Events:   eventbus.New[network.Event](eventbus.DefaultBuffer),
		Logger:   logger,
	})
	if err != nil {
		n.close()
		return nil, err
	}

	address := ":" + strconv.Itoa(cfg.ListeningPort)
	if cfg.PortMode == config.PortModeAutomatic {
		address = ":0"
	}
	n.server, err = network.Listen(address, n.receiver)
	if err != nil {
		n.close()
		return nil, err
	}
	identity.Port = n.server.Port()

	n.discovery, err = discovery.Start(discovery.Config{
		SelfDeviceID:   cfg.DeviceID,
		DeviceName:     cfg.DeviceName,
		DisplayName:    cfg.DisplayName,
		ListeningPort:  identity.Port,
		KeyFingerprint: fingerprint,
		Logger:         logger,
	})
	if err != nil {
		n.close()
		return nil, fmt.Errorf("start discovery: %w", err)
	}

	n.sender, err = network.NewSender(network.SenderOptions{
		Identity: identity,
		Settings: cfg.Transfer,
		Resolver: n.discovery,
		Resume:   store,
		Events:   eventbus.New[network.Event](eventbus.DefaultBuffer),
		Logger:   logger,
	})
	if err != nil {
		n.close()
		return nil, err
	}

	logger.WithFields(logrus.Fields{
		"device_id":   cfg.DeviceID,
		"device_name": cfg.DeviceName,
		"port":        identity.Port,
		"fingerprint": crypto.FormatFingerprint(fingerprint),
		"config":      cfgPath,
		"database":    dbPath,
	}).Info("lanshare started")
	return n, nil
}

func (n *node) close() {
	if n.discovery != nil {
		n.discovery.Stop()
		n.discovery = nil
	}
	if n.server != nil {
		if err := n.server.Close(); err != nil {
			n.log.WithError(err).Warn("server close error")
		}
		n.server = nil
	}
	if n.store != nil {
		if err := n.store.Close(); err != nil {
			n.log.WithError(err).Warn("database close error")
		}
		n.store = nil
	}
}

// serve receives files until ctx ends, asking on stdin for connections that
// are not auto-accepted.
func (n *node) serve(ctx context.Context) error {
	events, cancel := n.receiver.Subscribe()
	defer cancel()

	answers := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			answers <- strings.TrimSpace(scanner.Text())
		}
		close(answers)
	}()

	var queue []network.ConnectionRequest
	fmt.Println("Receiving files (press Ctrl+C to stop)")
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-events:
			if !ok {
				return nil
			}
			switch event.Type {
			case network.EventConnectionRequest:
				queue = append(queue, *event.Request)
				if len(queue) == 1 {
					promptRequest(queue[0])
				}
			case network.EventTransferReceived:
				fmt.Printf("received %s (%d bytes) from %s\n", event.SavedPath, event.Task.TotalSize, event.Task.PeerDeviceID)
			case network.EventTransferFailed:
				fmt.Printf("transfer %s %s: %s\n", event.Task.Name, event.Task.State, event.Task.Reason)
			}
		case answer, ok := <-answers:
			if !ok {
				answers = nil
				continue
			}
			if len(queue) == 0 {
				continue
			}
			accept := strings.EqualFold(answer, "y") || strings.EqualFold(answer, "yes")
			if err := n.receiver.ResolveRequest(queue[0].RequestID, accept); err != nil {
				fmt.Println("request expired")
			}
			queue = queue[1:]
			if len(queue) > 0 {
				promptRequest(queue[0])
			}
		}
	}
}

func promptRequest(request network.ConnectionRequest) {
	fmt.Printf("%s (%s) wants to send %d file(s), %d bytes:\n",
		request.Device.Label(), crypto.FormatFingerprint(request.Device.Fingerprint), len(request.Files), request.TotalSize())
	for _, file := range request.Files {
		fmt.Printf("  %s (%d bytes)\n", file.Name, file.Size)
	}
	fmt.Print("accept? [y/N] ")
}

func (n *node) peers(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("peers", flag.ContinueOnError)
	wait := flags.Duration("wait", 3*time.Second, "how long to browse before listing")
	if err := flags.Parse(args); err != nil {
		return err
	}

	n.scan(ctx, *wait)

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Device ID", "Name", "Address", "Platform", "Fingerprint", "State"})
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	for _, device := range n.discovery.ListDevices() {
		table.Append([]string{
			device.DeviceID,
			device.Label(),
			device.Host + ":" + strconv.Itoa(device.Port),
			device.Platform,
			crypto.FormatFingerprint(device.Fingerprint),
			string(device.Liveness),
		})
	}
	table.Render()
	return nil
}

func (n *node) send(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return errors.New(usage)
	}
	query, paths := args[0], args[1:]

	device, ok := n.discovery.Find(query)
	if !ok {
		n.scan(ctx, 3*time.Second)
		device, ok = n.discovery.Find(query)
	}
	if !ok {
		return fmt.Errorf("no device matches %q", query)
	}

	events, cancel := n.sender.Subscribe()
	defer cancel()

	batch, err := n.sender.SendBatch(ctx, device.DeviceID, paths)
	if err != nil {
		return err
	}
	fmt.Printf("sending %d file(s) to %s\n", len(paths), device.Label())

	for done := false; !done; {
		select {
		case <-ctx.Done():
			batch.Cancel()
			<-batch.Done()
			done = true
		case <-batch.Done():
			done = true
		case event, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if event.Type == network.EventTransferProgress && event.Progress.Final {
				fmt.Printf("  %s done\n", event.Progress.FileName)
			} else if event.Type == network.EventBatchProgress {
				fmt.Printf("\r  %d/%d files, %.1f%%", event.Batch.FilesFinished, event.Batch.FilesTotal, event.Batch.Percent())
			}
		}
	}
	fmt.Println()

	report := batch.Wait()
	failed := lo.Filter(report.Results, func(result network.TaskResult, _ int) bool {
		return result.Task.State != models.TaskCompleted
	})
	for _, result := range failed {
		fmt.Printf("  %s: %s (%v)\n", result.Task.Name, result.Task.State, result.Err)
	}
	if len(failed) > 0 {
		return fmt.Errorf("%d of %d file(s) not sent", len(failed), len(report.Results))
	}
	fmt.Printf("sent %d file(s)\n", len(report.Results))
	return nil
}

func (n *node) scan(ctx context.Context, wait time.Duration) {
	scanCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	if err := n.discovery.Scanner.Scan(scanCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		n.log.WithError(err).Warn("scan failed")
	}
}
