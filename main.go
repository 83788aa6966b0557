package main

import (
	"context"
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"meetserver/internal/dispatch"
	"meetserver/internal/httpapi"
	"meetserver/internal/protocol"
	"meetserver/internal/registry"
	"meetserver/internal/relay"
	"meetserver/internal/store"
	"meetserver/internal/transfer"
)

// Version identifies the running build, overridable via -ldflags "-X main.Version=...".
var Version = "dev"

func main() {
	// Check for CLI subcommands before parsing flags, mirroring the
	// teacher's main.go (version/status/settings run instead of the server).
	if len(os.Args) > 1 {
		if RunCLI(os.Args[1:], "meetserver.db") {
			return
		}
	}

	host := flag.String("host", "", "listen host for both control and media listeners")
	tcpPort := flag.Int("tcpPort", 5000, "control (TCP) listen port")
	udpPort := flag.Int("udpPort", 5001, "media relay (UDP) listen port")
	statusAddr := flag.String("status-addr", ":8080", "REST status API listen address (empty to disable)")
	dbPath := flag.String("db", "meetserver.db", "SQLite database path for settings and the audit log")
	maxFrameBytes := flag.Int("maxFrameBytes", protocol.DefaultMaxFrameBytes, "maximum control-frame body size in bytes")
	maxMeetings := flag.Int("maxMeetings", 0, "maximum simultaneously live meetings (0 = unlimited)")
	sessionQueueBytes := flag.Uint64("sessionQueueBytes", transfer.DefaultConfig().SessionQueueBytes, "per-transfer-session queue byte limit")
	initialSsthresh := flag.Int("initialSsthresh", transfer.DefaultConfig().InitialSsthresh, "initial slow-start threshold, in chunks")
	baseChunkBytes := flag.Int("baseChunkBytes", transfer.DefaultConfig().BaseChunkBytes, "expected file-transfer chunk size in bytes")
	ackTimeoutMs := flag.Int("ackTimeoutMs", int(transfer.DefaultConfig().AckTimeout.Milliseconds()), "file-chunk acknowledgement timeout in milliseconds")
	maxRetries := flag.Int("maxRetries", transfer.DefaultConfig().MaxRetries, "maximum retransmits per file chunk before aborting the transfer")
	idleTimeoutMs := flag.Int("idleTimeoutMs", int(dispatch.DefaultConfig().IdleTimeout.Milliseconds()), "control connection idle read timeout in milliseconds")
	rateLimit := flag.Float64("rateLimit", float64(dispatch.DefaultConfig().RateLimit), "maximum control messages per second per connection")
	rateBurst := flag.Int("rateBurst", dispatch.DefaultConfig().RateBurst, "control-message rate limiter burst size per connection")
	flag.Parse()

	st, err := store.Open(*dbPath)
	if err != nil {
		log.Fatalf("[store] %v", err)
	}
	defer st.Close()
	seedDefaults(st)

	reg := registry.New(*maxMeetings)
	reg.SetAuditLog(func(action string, actorID, targetID uint32, meetingCode string) {
		if err := st.InsertAuditLog(context.Background(), store.AuditEntry{
			Action:      action,
			ActorID:     actorID,
			TargetID:    targetID,
			MeetingCode: meetingCode,
		}); err != nil {
			log.Printf("[audit] insert: %v", err)
		}
	})

	transferCfg := transfer.Config{
		InitialSsthresh:   *initialSsthresh,
		BaseChunkBytes:    *baseChunkBytes,
		AckTimeout:        time.Duration(*ackTimeoutMs) * time.Millisecond,
		MaxRetries:        *maxRetries,
		SessionQueueBytes: *sessionQueueBytes,
	}
	coordinator := transfer.New(transferCfg)

	addrs := relay.NewAddressRegistry()

	udpAddr := net.JoinHostPort(*host, portString(*udpPort))
	udpConn, err := net.ListenPacket("udp", udpAddr)
	if err != nil {
		log.Fatalf("[relay] bind %s: %v", udpAddr, err)
	}
	defer udpConn.Close()
	mediaRelay := relay.New(udpConn, reg, addrs)

	tcpAddr := net.JoinHostPort(*host, portString(*tcpPort))
	tcpListener, err := net.Listen("tcp", tcpAddr)
	if err != nil {
		log.Fatalf("[dispatch] bind %s: %v", tcpAddr, err)
	}
	defer tcpListener.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("[main] shutting down...")
		cancel()
	}()

	go mediaRelay.Run(ctx)
	go coordinator.Run(ctx)
	go RunMetrics(ctx, reg, mediaRelay, coordinator, 5*time.Second)

	if *statusAddr != "" {
		api := httpapi.New(reg, mediaRelay, coordinator)
		go func() {
			if err := api.Run(ctx, *statusAddr); err != nil {
				log.Printf("[httpapi] %v", err)
			}
		}()
		log.Printf("[httpapi] listening on %s", *statusAddr)
	}

	dispatchCfg := dispatch.Config{
		MaxFrameBytes:  *maxFrameBytes,
		OutboxCapacity: dispatch.DefaultConfig().OutboxCapacity,
		IdleTimeout:    time.Duration(*idleTimeoutMs) * time.Millisecond,
		RateLimit:      rate.Limit(*rateLimit),
		RateBurst:      *rateBurst,
	}

	srv := NewServer(tcpListener, dispatchCfg, reg, coordinator, addrs)
	log.Printf("[dispatch] listening on %s", tcpAddr)
	if err := srv.Run(ctx); err != nil {
		log.Printf("[dispatch] %v", err)
		os.Exit(2)
	}
}

func portString(p int) string {
	return strconv.Itoa(p)
}

// seedDefaults writes factory-default settings when they have not been set
// yet (first-run initialization), mirroring the teacher's main.go.
func seedDefaults(st *store.Store) {
	ctx := context.Background()
	if _, err := st.GetSetting(ctx, "server_name"); err != nil {
		if setErr := st.SetSetting(ctx, "server_name", "meetserver"); setErr != nil {
			log.Printf("[store] seed server_name: %v", setErr)
		}
	}
}
