package rxcore

import "testing"

func TestComputeCreditRequest(t *testing.T) {
	cases := []struct {
		name                                                       string
		peerCredits, peerOutstandingTx, totalLen, mtu, txMinCredits int
		want                                                       int
	}{
		{"long send with credit scenario", 128, 0, 1 << 20, 8 << 10, 1, 128},
		{"clamped up to tx_min_credits", 4, 0, 100, 8 << 10, 4, 4},
		{"bounded by message length", 1000, 0, 8 << 10, 8 << 10, 1, 1},
		{"outstanding reduces share", 100, 3, 1 << 20, 8 << 10, 1, 25},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := computeCreditRequest(c.peerCredits, c.peerOutstandingTx, c.totalLen, c.mtu, c.txMinCredits)
			if got != c.want {
				t.Fatalf("computeCreditRequest(%d,%d,%d,%d,%d) = %d, want %d",
					c.peerCredits, c.peerOutstandingTx, c.totalLen, c.mtu, c.txMinCredits, got, c.want)
			}
		})
	}
}

func TestRequestCreditDeductsImmediatelyWhenAvailable(t *testing.T) {
	peer := newPeer(Address(1), 64)
	granted, ok := requestCredit(peer, 8<<10, 8<<10, 1)
	if !ok {
		t.Fatalf("expected credit grant to succeed")
	}
	if granted != 1 {
		t.Fatalf("granted = %d, want 1", granted)
	}
	if peer.TxCredits != 63 {
		t.Fatalf("peer.TxCredits = %d, want 63", peer.TxCredits)
	}
}

func TestRequestCreditQueuesWhenInsufficient(t *testing.T) {
	peer := newPeer(Address(1), 2)
	granted, ok := requestCredit(peer, 1<<20, 8<<10, 8)
	if ok {
		t.Fatalf("expected credit grant to fail (queue for retry)")
	}
	if granted <= peer.TxCredits {
		t.Fatalf("granted request %d should exceed available credits %d", granted, peer.TxCredits)
	}
	if peer.TxCredits != 2 {
		t.Fatalf("peer.TxCredits should be untouched on failed grant, got %d", peer.TxCredits)
	}
}
