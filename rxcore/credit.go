package rxcore

// ceilDiv computes ceil(a/b) for non-negative a and positive b.
func ceilDiv(a, b int) int {
	if b <= 0 {
		return 0
	}
	return (a + b - 1) / b
}

// computeCreditRequest implements spec.md §4.4's credit-request formula,
// grounded literally on original_source/rxr_ep.c:rxr_ep_set_tx_credit_request
// (lines 582-606):
//
//	credit_request = clamp(
//	    min(ceil(peer_credits / (peer_outstanding_tx + 1)),
//	        ceil(total_len / max_data_payload_size)),
//	    tx_min_credits, ∞)
func computeCreditRequest(peerCredits, peerOutstandingTx, totalLen, maxDataPayloadSize, txMinCredits int) int {
	outstanding := peerOutstandingTx + 1
	byCredits := ceilDiv(peerCredits, outstanding)
	byLen := ceilDiv(totalLen, maxDataPayloadSize)
	req := byCredits
	if byLen < req {
		req = byLen
	}
	if req < txMinCredits {
		req = txMinCredits
	}
	return req
}

// requestCredit attempts to deduct a credit_request from the peer's
// balance, per spec.md §4.4: "If the peer has enough credits, they are
// deducted immediately; otherwise the operation is queued for retry."
// Returns the granted request and whether the deduction succeeded.
func requestCredit(peer *Peer, totalLen, maxDataPayloadSize, txMinCredits int) (granted int, ok bool) {
	req := computeCreditRequest(peer.TxCredits, peer.OutstandingTxNIC+peer.OutstandingTxSHM, totalLen, maxDataPayloadSize, txMinCredits)
	if req == 0 {
		return 0, true
	}
	if peer.TxCredits >= req {
		peer.TxCredits -= req
		return req, true
	}
	return req, false
}
