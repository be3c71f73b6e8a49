package wallet

import (
	"sort"
	"testing"
)

func TestNotificationID(t *testing.T) {
	if got := NotificationID(123, 7); got != "000000000001230007" {
		t.Errorf("NotificationID(123, 7) = %q", got)
	}
	if got := NotificationID(1400000000000, 0); len(got) != 18 {
		t.Errorf("NotificationID() length = %d, want 18", len(got))
	}

	t.Run("sorts chronologically", func(t *testing.T) {
		ids := []string{
			NotificationID(1500, 2),
			NotificationID(1400, 0),
			NotificationID(1400, 1),
			NotificationID(1500, 0),
		}
		sorted := append([]string(nil), ids...)
		sort.Strings(sorted)
		want := []string{ids[1], ids[2], ids[3], ids[0]}
		for i := range want {
			if sorted[i] != want[i] {
				t.Fatalf("sorted order = %v, want %v", sorted, want)
			}
		}
	})
}

func TestNotificationDataHash(t *testing.T) {
	base := func() *Notification {
		n := NewNotification(NotifyNewIncomingTx, map[string]interface{}{
			"txid":    "abc",
			"address": "1xyz",
			"amount":  int64(1000),
		})
		n.WalletID = "wallet-1"
		return n
	}

	h1, err := base().DataHash()
	if err != nil {
		t.Fatalf("DataHash() error = %v", err)
	}
	if len(h1) != 64 {
		t.Errorf("DataHash() length = %d, want 64 hex chars", len(h1))
	}

	t.Run("ignores id and creation time", func(t *testing.T) {
		n := base()
		n.ID = NotificationID(999, 0)
		n.CreatedOn = 12345
		h2, err := n.DataHash()
		if err != nil {
			t.Fatalf("DataHash() error = %v", err)
		}
		if h2 != h1 {
			t.Error("DataHash() should not depend on id or createdOn")
		}
	})

	t.Run("is canonical over map order", func(t *testing.T) {
		n := NewNotification(NotifyNewIncomingTx, map[string]interface{}{
			"amount":  int64(1000),
			"address": "1xyz",
			"txid":    "abc",
		})
		n.WalletID = "wallet-1"
		h2, err := n.DataHash()
		if err != nil {
			t.Fatalf("DataHash() error = %v", err)
		}
		if h2 != h1 {
			t.Error("DataHash() should not depend on map insertion order")
		}
	})

	t.Run("changes with type wallet and data", func(t *testing.T) {
		n := base()
		n.Type = NotifyNewOutgoingTx
		if h, _ := n.DataHash(); h == h1 {
			t.Error("DataHash() should change with type")
		}
		n = base()
		n.WalletID = "wallet-2"
		if h, _ := n.DataHash(); h == h1 {
			t.Error("DataHash() should change with wallet")
		}
		n = base()
		n.Data["txid"] = "def"
		if h, _ := n.DataHash(); h == h1 {
			t.Error("DataHash() should change with data")
		}
	})
}
