package client

import (
	"context"
	"time"

	"github.com/echochat/echochat/internal/signal"
)

// QualitySample is one point-in-time reading of media session health.
type QualitySample struct {
	RTT        time.Duration
	PacketLoss float64
	TakenAt    time.Time
}

// LocalMedia is the exclusively-owned capture handle (camera/microphone)
// for one call attempt. Stop must be safe to call more than once; every
// exit path of a call releases it.
type LocalMedia interface {
	Stop()
}

// MediaSession is one established media transport against a room.
type MediaSession interface {
	Quality(ctx context.Context) (QualitySample, error)
	Disconnect(ctx context.Context) error
}

// MediaProvider is the external audio/video transport capability. The
// signaling core consumes it as a black box: it never touches codecs,
// tracks, or network traversal.
type MediaProvider interface {
	AcquireLocal(ctx context.Context, kind signal.CallKind) (LocalMedia, error)
	Join(ctx context.Context, roomName, token string) (MediaSession, error)
}
