package call

import "log/slog"

// Observer receives call lifecycle notifications. Methods are called from
// the peer's dispatch goroutine and must not block.
type Observer interface {
	OnRinging(c Info)
	OnConnected(c Info)
	OnEnded(c Info, reason string)
	OnFailed(c Info, err error)
}

// LogObserver logs lifecycle events. Ringtone and notification playback hook
// in here.
type LogObserver struct {
	Logger *slog.Logger
}

func (o LogObserver) logger() *slog.Logger {
	if o.Logger == nil {
		return slog.Default()
	}
	return o.Logger
}

func (o LogObserver) OnRinging(c Info) {
	o.logger().Info("incoming call ringing", "peerID", c.PeerID, "callID", c.ID)
}

func (o LogObserver) OnConnected(c Info) {
	o.logger().Info("call connected", "peerID", c.PeerID, "callID", c.ID, "direction", c.Direction)
}

func (o LogObserver) OnEnded(c Info, reason string) {
	o.logger().Info("call ended", "peerID", c.PeerID, "callID", c.ID, "reason", reason)
}

func (o LogObserver) OnFailed(c Info, err error) {
	o.logger().Warn("call failed", "peerID", c.PeerID, "callID", c.ID, "error", err)
}
