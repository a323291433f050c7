package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/teleconsult/config"
	"github.com/mossy-p/teleconsult/internal/backend"
	"github.com/mossy-p/teleconsult/internal/call"
	"github.com/mossy-p/teleconsult/internal/logging"
	"github.com/mossy-p/teleconsult/internal/media"
	"github.com/mossy-p/teleconsult/internal/peer"
)

var log = logging.Logger("client")

var (
	server   = flag.String("server", "", "Room API base URL (overrides API_URL)")
	user     = flag.String("user", "", "User to log in as")
	password = flag.String("password", "demo", "Password")
	roomID   = flag.String("room", "", "Join an existing room by ID or code")
	callee   = flag.String("callee", "", "Create a room and call this user")
	duration = flag.Duration("duration", 0, "Hang up after this long (0 = until interrupted)")
	noMic    = flag.Bool("mute", false, "Start with the microphone disabled")
	noCamera = flag.Bool("no-camera", false, "Start with the camera disabled")
)

func main() {
	flag.Parse()

	if *user == "" || (*roomID == "") == (*callee == "") {
		fmt.Fprintln(os.Stderr, "Usage: teleconsult -user <id> (-callee <id> | -room <id-or-code>)")
		flag.PrintDefaults()
		os.Exit(2)
	}

	cfg := config.LoadClient()
	if *server != "" {
		cfg.APIURL = *server
	}
	logging.Setup(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Errorf("Call failed: %v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.ClientConfig) error {
	api := backend.NewClient(cfg.APIURL)
	if err := api.Login(ctx, *user, *password); err != nil {
		return fmt.Errorf("login: %w", err)
	}

	room := *roomID
	if *callee != "" {
		created, err := api.CreateRoom(ctx, *callee)
		if err != nil {
			return fmt.Errorf("create room: %w", err)
		}
		room = created.RoomID
		fmt.Printf("Room %s created, share code %s with %s\n", created.RoomID, created.Code, *callee)
	}

	join, err := api.JoinToken(ctx, room)
	if err != nil {
		return fmt.Errorf("join room: %w", err)
	}

	ctrl := call.New(call.Options{
		Source: media.DefaultSource(),
		Open:   call.WebSocketOpener(cfg.SignalingURL, join.Token),
		PeerConfig: peer.Config{
			ICEServers:          cfg.STUNURLs,
			DisconnectedTimeout: cfg.ICEDisconnectedTimeout,
			FailedTimeout:       cfg.ICEFailedTimeout,
		},
		Role:               join.Role,
		PingInterval:       cfg.PingInterval,
		MediaTimeout:       cfg.MediaTimeout,
		NegotiationTimeout: cfg.NegotiationTimeout,
	})
	ctrl.SetMicEnabled(!*noMic)
	ctrl.SetCameraEnabled(!*noCamera)

	if err := ctrl.Start(ctx, join.RoomID); err != nil {
		return err
	}
	defer hangUp(api, ctrl, join.RoomID)

	if *duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}

	remote, err := ctrl.WaitRemoteStream(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return callEnded(err)
	}
	fmt.Printf("Connected to room %s (initiator: %t)\n", join.RoomID, ctrl.IsInitiator())

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ctrl.Done():
			return callEnded(ctrl.Err())
		case <-ticker.C:
			for _, t := range remote.Tracks() {
				log.Infof("Receiving %s (%s): %d packets, %d bytes",
					t.Kind(), t.Codec(), t.Packets(), t.Bytes())
			}
			if t := remote.Track(webrtc.RTPCodecTypeVideo); t == nil {
				log.Debug("Remote side sends no video")
			}
		}
	}
}

func callEnded(err error) error {
	if errors.Is(err, call.ErrRemoteHangup) {
		fmt.Println("The other participant hung up")
		return nil
	}
	return err
}

// hangUp stops the call and marks the room ended. The room update is best
// effort; the other side already got our bye.
func hangUp(api *backend.Client, ctrl *call.Controller, room string) {
	ctrl.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := api.EndRoom(ctx, room); err != nil {
		log.Warnf("Failed to end room %s: %v", room, err)
	}
	fmt.Println("Call ended")
}
