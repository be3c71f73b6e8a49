package service

import (
	"context"
	"sort"
	"time"

	"github.com/dan/bws/wallet"
)

// GetNotifications returns the wallet's notifications after sinceID and
// within timeSpan, merged with the global (network-scoped) stream so clients
// see NewBlock events inline. timeSpan is clamped to the configured maximum;
// zero means the default span.
func (s *Service) GetNotifications(ctx context.Context, session *Session, sinceID string, timeSpan time.Duration) ([]*wallet.Notification, error) {
	w, err := s.fetchWallet(session.WalletID)
	if err != nil {
		return nil, err
	}

	if timeSpan <= 0 {
		timeSpan = s.opts.NotificationsTimeSpan
	}
	if timeSpan > s.opts.MaxNotificationsTimeSpan {
		timeSpan = s.opts.MaxNotificationsTimeSpan
	}
	minTs := s.now().Add(-timeSpan).Unix()

	var merged []*wallet.Notification
	for _, streamID := range []string{w.Network, w.ID} {
		ns, err := s.store.FetchNotifications(streamID, sinceID, minTs)
		if err != nil {
			return nil, err
		}
		merged = append(merged, ns...)
	}
	// Global events are republished under the caller's wallet so the
	// stream has a single owner from the client's point of view.
	for _, n := range merged {
		n.WalletID = w.ID
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].ID < merged[j].ID })
	if merged == nil {
		merged = []*wallet.Notification{}
	}
	return merged, nil
}
