// callclient 无头通话客户端：通过通话服务发起或接听一次语音/视频通话
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"gamermatch_backend/internal/callapi"
	"gamermatch_backend/internal/model"
	"gamermatch_backend/internal/negotiator"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const pollInterval = 3 * time.Second

func main() {
	server := flag.String("server", "http://localhost:8080", "通话服务地址")
	token := flag.String("token", "", "JWT（sub 为用户ID）")
	matchID := flag.String("match", "", "配对ID")
	peerID := flag.String("peer", "", "对方用户ID")
	mode := flag.String("mode", "request", "request 发起 / answer 接听")
	callType := flag.String("type", "voice", "voice / video")
	videoFile := flag.String("video-file", "", "视频通话时循环发送的 IVF(VP8) 文件")
	verbose := flag.Bool("v", false, "输出调试日志")
	flag.Parse()

	if *token == "" || *matchID == "" || *peerID == "" {
		flag.Usage()
		os.Exit(2)
	}

	logCfg := zap.NewDevelopmentConfig()
	if !*verbose {
		logCfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	logger, err := logCfg.Build()
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	selfID, err := subjectOf(*token)
	if err != nil {
		logger.Fatal("Invalid token", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, runOptions{
		server:    *server,
		token:     *token,
		matchID:   *matchID,
		selfID:    selfID,
		peerID:    *peerID,
		mode:      *mode,
		callType:  model.CallType(*callType),
		videoFile: *videoFile,
	}); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("Call failed", zap.Error(err))
	}
}

// subjectOf 只读取 sub，签名由服务端校验
func subjectOf(token string) (string, error) {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return "", err
	}
	if claims.Subject == "" {
		return "", errors.New("token has no subject")
	}
	return claims.Subject, nil
}

type runOptions struct {
	server    string
	token     string
	matchID   string
	selfID    string
	peerID    string
	mode      string
	callType  model.CallType
	videoFile string
}

func run(ctx context.Context, logger *zap.Logger, opts runOptions) error {
	client := callapi.New(opts.server, opts.token)
	client.Logger = logger
	defer client.Close()

	callCfg, err := client.CallConfig(ctx)
	if err != nil {
		return fmt.Errorf("load call config: %w", err)
	}

	feed, err := client.Notifications(ctx, opts.matchID)
	if err != nil {
		return fmt.Errorf("subscribe notifications: %w", err)
	}

	devices := &negotiator.SyntheticDevices{}
	if opts.videoFile != "" {
		if opts.callType != model.CallVideo {
			return fmt.Errorf("-video-file requires -type video")
		}
		src, err := negotiator.OpenIVF(opts.videoFile)
		if err != nil {
			return fmt.Errorf("open video file: %w", err)
		}
		devices.Video = src
	}
	defer devices.Close()

	session, err := negotiator.NewSession(negotiator.Config{
		MatchID:  opts.matchID,
		SelfID:   opts.selfID,
		PeerID:   opts.peerID,
		CallType: opts.callType,
		Media:    devices,
		Peers:    &negotiator.PionPeerFactory{ICEServers: callCfg.ICEServers, Logger: logger},
		Signals:  client.Dialer(),
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	defer session.Close()

	ended := make(chan error, 1)
	session.SetEndHandler(func(err error) {
		ended <- err
	})

	switch opts.mode {
	case "request":
		err = request(ctx, logger, client, session, feed, opts)
	case "answer":
		err = answer(ctx, logger, client, session, feed, opts)
	default:
		err = fmt.Errorf("unknown mode %q", opts.mode)
	}
	if err != nil {
		return err
	}

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("Hanging up")
			session.EndCall()
			return nil
		case err := <-ended:
			if err != nil {
				return err
			}
			logger.Info("Call ended by peer")
			return nil
		case <-ticker.C:
			snap := session.Snapshot()
			logger.Info("Call status",
				zap.Stringer("state", snap.State),
				zap.Bool("muted", snap.Muted),
				zap.Int("remoteTracks", len(snap.RemoteStream.Tracks())),
				zap.Uint64("rtpPackets", remotePackets(snap.RemoteStream)),
			)
		}
	}
}

func remotePackets(stream *negotiator.RemoteStream) uint64 {
	var total uint64
	for _, track := range stream.Tracks() {
		total += track.Packets()
	}
	return total
}

// request 发起请求，等对方接受后开始呼叫
func request(ctx context.Context, logger *zap.Logger, client *callapi.Client, session *negotiator.Session, feed <-chan model.WSMessage, opts runOptions) error {
	req, err := client.CreateCall(ctx, opts.matchID, opts.callType)
	if err != nil {
		return fmt.Errorf("create call request: %w", err)
	}
	logger.Info("Call request sent, waiting for answer", zap.String("requestId", req.ID))

	status, err := waitForStatus(ctx, client, feed, opts.matchID, req.ID, func(r *model.CallRequest) bool {
		return r.ID == req.ID && r.Status != model.CallPending
	})
	if err != nil {
		return err
	}
	if status.Status != model.CallAccepted {
		return fmt.Errorf("call request %s", status.Status)
	}

	return session.StartCall(ctx)
}

// answer 等待对方的 pending 请求，打开信令后接受并应答
func answer(ctx context.Context, logger *zap.Logger, client *callapi.Client, session *negotiator.Session, feed <-chan model.WSMessage, opts runOptions) error {
	logger.Info("Waiting for an incoming call request")
	incoming, err := waitForStatus(ctx, client, feed, opts.matchID, "", func(r *model.CallRequest) bool {
		return r.RequesterID == opts.peerID && r.Status == model.CallPending
	})
	if err != nil {
		return err
	}

	if err := session.OpenSignaling(ctx); err != nil {
		return err
	}
	if _, err := client.Respond(ctx, opts.matchID, incoming.ID, model.CallAccepted); err != nil {
		return fmt.Errorf("accept call request: %w", err)
	}
	logger.Info("Call request accepted", zap.String("requestId", incoming.ID))
	return session.AnswerCall(ctx)
}

var errRequestClosed = errors.New("call request was rejected or expired")

// waitForStatus 优先使用变更通知，轮询 list 作为兜底。
// watchID 非空时，轮询结果中不再出现该请求说明它已被拒绝或过期
func waitForStatus(ctx context.Context, client *callapi.Client, feed <-chan model.WSMessage, matchID, watchID string, match func(*model.CallRequest) bool) (*model.CallRequest, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case msg, ok := <-feed:
			if !ok {
				feed = nil
				continue
			}
			if msg.Type != model.WSTypeCallRequestChanged {
				continue
			}
			evt, err := callapi.DecodeCallRequestEvent(msg)
			if err != nil || evt.New == nil {
				continue
			}
			if match(evt.New) {
				return evt.New, nil
			}

		case <-ticker.C:
			calls, err := client.ListCalls(ctx, matchID)
			if err != nil {
				continue
			}
			seen := false
			for i := range calls {
				if match(&calls[i]) {
					return &calls[i], nil
				}
				if calls[i].ID == watchID {
					seen = true
				}
			}
			if watchID != "" && !seen {
				return nil, errRequestClosed
			}
		}
	}
}
