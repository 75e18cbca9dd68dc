package ledger

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"glyph/internal/identity"
	"glyph/internal/receipt"
)

type testKeys struct {
	gatewayPK, gatewaySK string
	nodePK, nodeSK       string
}

func newKeys(t *testing.T) testKeys {
	t.Helper()
	gpk, gsk, err := identity.Generate()
	if err != nil {
		t.Fatalf("generate gateway keys: %v", err)
	}
	npk, nsk, err := identity.Generate()
	if err != nil {
		t.Fatalf("generate node keys: %v", err)
	}
	return testKeys{gatewayPK: gpk, gatewaySK: gsk, nodePK: npk, nodeSK: nsk}
}

func signedReceipt(t *testing.T, keys testKeys, session string, outputTokens int64) receipt.UsageReceipt {
	t.Helper()
	r := receipt.New(keys.gatewayPK, keys.nodePK, session, "/inference", 3, outputTokens, 1500)
	if err := r.SignGateway(keys.gatewaySK); err != nil {
		t.Fatalf("gateway sign: %v", err)
	}
	if err := r.SignNode(keys.nodeSK); err != nil {
		t.Fatalf("node sign: %v", err)
	}
	return r
}

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "glyph.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestAddReceipt_IdempotentAndChained(t *testing.T) {
	l := openTestLedger(t)
	keys := newKeys(t)

	r1 := signedReceipt(t, keys, "s1", 10)
	added, err := l.Add(r1)
	if err != nil || !added {
		t.Fatalf("first add: added=%v err=%v", added, err)
	}
	added, err = l.Add(r1)
	if err != nil {
		t.Fatalf("re-add: %v", err)
	}
	if added {
		t.Fatal("re-adding the same receipt must not insert")
	}

	r2 := signedReceipt(t, keys, "s2", 20)
	if added, err = l.Add(r2); err != nil || !added {
		t.Fatalf("second add: added=%v err=%v", added, err)
	}

	list, err := l.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("len(list)=%d want 2", len(list))
	}

	head, err := l.ChainHead()
	if err != nil {
		t.Fatalf("chain head: %v", err)
	}
	r2id, err := r2.ID()
	if err != nil {
		t.Fatalf("receipt id: %v", err)
	}
	r1id, err := r1.ID()
	if err != nil {
		t.Fatalf("receipt id: %v", err)
	}
	want := chainLink(chainLink("", r1id), r2id)
	if head != want {
		t.Fatalf("head=%s want %s", head, want)
	}
}

func TestAddReceipt_RejectsUnsigned(t *testing.T) {
	l := openTestLedger(t)
	keys := newKeys(t)

	r := receipt.New(keys.gatewayPK, keys.nodePK, "s1", "/inference", 1, 1, 1)
	if err := r.SignGateway(keys.gatewaySK); err != nil {
		t.Fatalf("gateway sign: %v", err)
	}
	if _, err := l.Add(r); err != ErrInvalidReceipt {
		t.Fatalf("err=%v want ErrInvalidReceipt", err)
	}
}

func TestVerifyChain_DetectsTamper(t *testing.T) {
	l := openTestLedger(t)
	keys := newKeys(t)
	for i, out := range []int64{10, 20, 30} {
		r := signedReceipt(t, keys, string(rune('a'+i)), out)
		if _, err := l.Add(r); err != nil {
			t.Fatalf("add: %v", err)
		}
	}

	ok, err := l.VerifyChain()
	if err != nil || !ok {
		t.Fatalf("intact chain: ok=%v err=%v", ok, err)
	}

	if err := l.tamperReceiptRow(1, "deadbeef"); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	ok, err = l.VerifyChain()
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if ok {
		t.Fatal("tampered chain must not verify")
	}
}

func TestAccounts_DebitCreditConservation(t *testing.T) {
	l := openTestLedger(t)
	const user = "user-pk"

	if err := l.Credit(user, 500, "topup", "pay-1"); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if err := l.Debit(user, 120, "inference", "rcpt-1"); err != nil {
		t.Fatalf("debit: %v", err)
	}
	if err := l.Debit(user, 1000, "inference", "rcpt-2"); err != ErrInsufficientBalance {
		t.Fatalf("err=%v want ErrInsufficientBalance", err)
	}

	bal, err := l.Balance(user)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if bal != 380 {
		t.Fatalf("balance=%d want 380", bal)
	}

	txns, err := l.AccountTxns(user)
	if err != nil {
		t.Fatalf("txns: %v", err)
	}
	var sum int64
	for _, txn := range txns {
		sum += txn.Delta
	}
	if sum != bal {
		t.Fatalf("Σdelta=%d != balance=%d", sum, bal)
	}
}

func TestCreditPayment_RecordsPaymentRow(t *testing.T) {
	l := openTestLedger(t)
	if err := l.CreditPayment("user-pk", 250, "onchain topup", "pay-1", "0xabc"); err != nil {
		t.Fatalf("credit payment: %v", err)
	}
	bal, err := l.Balance("user-pk")
	if err != nil || bal != 250 {
		t.Fatalf("balance=%d err=%v want 250", bal, err)
	}
}

func TestAggregateWeighted_DefaultQuality(t *testing.T) {
	l := openTestLedger(t)
	keysA := newKeys(t)
	keysB := newKeys(t)

	rA := signedReceipt(t, keysA, "sa", 10)
	rB := signedReceipt(t, keysB, "sb", 20)
	for _, r := range []receipt.UsageReceipt{rA, rB} {
		if _, err := l.Add(r); err != nil {
			t.Fatalf("add: %v", err)
		}
	}

	totals, err := l.AggregateWeighted(nil, nil)
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if got := totals[keysA.nodePK]; got != 8 {
		t.Fatalf("A weight=%v want 8", got)
	}
	if got := totals[keysB.nodePK]; got != 16 {
		t.Fatalf("B weight=%v want 16", got)
	}
}

func TestAggregateWeighted_UsesRecordedQuality(t *testing.T) {
	l := openTestLedger(t)
	keys := newKeys(t)
	r := signedReceipt(t, keys, "s1", 100)
	if _, err := l.Add(r); err != nil {
		t.Fatalf("add: %v", err)
	}
	rid, err := r.ID()
	if err != nil {
		t.Fatalf("id: %v", err)
	}
	if err := l.RecordQuality(rid, keys.nodePK, 0.5); err != nil {
		t.Fatalf("record quality: %v", err)
	}
	if err := l.RecordQuality(rid, keys.nodePK, 1.5); err != ErrOutOfRange {
		t.Fatalf("err=%v want ErrOutOfRange", err)
	}
	score, ok, err := l.Quality(rid)
	if err != nil || !ok || score != 0.5 {
		t.Fatalf("quality=(%v,%v,%v) want (0.5,true,nil)", score, ok, err)
	}

	totals, err := l.AggregateWeighted(nil, nil)
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if got := totals[keys.nodePK]; got != 50 {
		t.Fatalf("weight=%v want 50", got)
	}
}

func TestAggregateWindow_HalfOpen(t *testing.T) {
	l := openTestLedger(t)
	keys := newKeys(t)
	r := signedReceipt(t, keys, "s1", 10)
	if _, err := l.Add(r); err != nil {
		t.Fatalf("add: %v", err)
	}

	start, end := r.CreatedAt, r.CreatedAt // [t, t) excludes t
	totals, err := l.AggregateContributions(&start, &end)
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if len(totals) != 0 {
		t.Fatalf("half-open window must exclude end bound, got %v", totals)
	}

	end = r.CreatedAt + 1
	totals, err = l.AggregateContributions(&start, &end)
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if totals[keys.nodePK] != 10 {
		t.Fatalf("totals=%v want node→10", totals)
	}
}

func TestEpochs_SaveUpsertPreservesAnchor(t *testing.T) {
	l := openTestLedger(t)
	snap := json.RawMessage(`{"epoch_id":"0-10-GLYPH","total_amount":300}`)

	if err := l.SaveEpoch("0-10-GLYPH", snap); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := l.SetEpochAnchor("0-10-GLYPH", "0xdeadbeef"); err != nil {
		t.Fatalf("anchor: %v", err)
	}
	if err := l.SetEpochFinalized("0-10-GLYPH"); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	// Re-settle writes a new snapshot but must not reset anchoring state.
	if err := l.SaveEpoch("0-10-GLYPH", json.RawMessage(`{"epoch_id":"0-10-GLYPH","total_amount":301}`)); err != nil {
		t.Fatalf("re-save: %v", err)
	}
	row, err := l.GetEpoch("0-10-GLYPH")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if row.AnchorTxid != "0xdeadbeef" || !row.Finalized {
		t.Fatalf("anchor state lost: %+v", row)
	}

	if _, err := l.GetEpoch("missing"); err != ErrNotFound {
		t.Fatalf("err=%v want ErrNotFound", err)
	}
}

func TestValidators_SetAndQuorum(t *testing.T) {
	l := openTestLedger(t)

	if err := l.AddValidator("vk-b", 1); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := l.AddValidator("vk-a", 2.5); err != nil {
		t.Fatalf("add: %v", err)
	}
	weights, err := l.Validators()
	if err != nil || weights["vk-a"] != 2.5 {
		t.Fatalf("weights=%v err=%v want vk-a=2.5", weights, err)
	}
	pks, err := l.ListValidators()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(pks) != 2 || pks[0] != "vk-a" || pks[1] != "vk-b" {
		t.Fatalf("validators=%v want sorted [vk-a vk-b]", pks)
	}

	n, err := l.QuorumThreshold()
	if err != nil || n != 1 {
		t.Fatalf("default threshold=%d err=%v want 1", n, err)
	}
	if err := l.SetQuorumThreshold(2); err != nil {
		t.Fatalf("set threshold: %v", err)
	}
	if n, _ = l.QuorumThreshold(); n != 2 {
		t.Fatalf("threshold=%d want 2", n)
	}

	if err := l.RemoveValidator("vk-b"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	ok, err := l.HasValidator("vk-b")
	if err != nil || ok {
		t.Fatalf("vk-b still present after remove")
	}
}

func TestEpochSignatures_UpsertPerValidator(t *testing.T) {
	l := openTestLedger(t)
	const epoch = "0-10-GLYPH"

	if err := l.AddEpochSignature(epoch, "vk-b", "sig1"); err != nil {
		t.Fatalf("add sig: %v", err)
	}
	if err := l.AddEpochSignature(epoch, "vk-a", "sig2"); err != nil {
		t.Fatalf("add sig: %v", err)
	}
	// Replacement, not a second row.
	if err := l.AddEpochSignature(epoch, "vk-b", "sig3"); err != nil {
		t.Fatalf("re-add sig: %v", err)
	}

	sigs, err := l.EpochSignatures(epoch)
	if err != nil {
		t.Fatalf("signatures: %v", err)
	}
	if len(sigs) != 2 {
		t.Fatalf("len(sigs)=%d want 2", len(sigs))
	}
	if sigs[0].ValidatorPubkey != "vk-a" || sigs[1].ValidatorPubkey != "vk-b" {
		t.Fatalf("sigs not sorted by pubkey: %+v", sigs)
	}
	if sigs[1].Signature != "sig3" {
		t.Fatalf("resubmission must replace, got %s", sigs[1].Signature)
	}
}

func TestNodeAddresses_Validated(t *testing.T) {
	l := openTestLedger(t)

	if err := l.SetNodeAddress("node-pk", "not-an-address"); err != ErrInvalidAddress {
		t.Fatalf("err=%v want ErrInvalidAddress", err)
	}
	const addr = "0x52908400098527886E0F7030069857D2E4169EE7"
	if err := l.SetNodeAddress("node-pk", addr); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := l.NodeAddress("node-pk")
	if err != nil || got != addr {
		t.Fatalf("addr=%q err=%v want %q", got, err, addr)
	}
	all, err := l.AllNodeAddresses()
	if err != nil || all["node-pk"] != addr {
		t.Fatalf("all=%v err=%v", all, err)
	}
}

func TestTokenConfig_DefaultsAndValidation(t *testing.T) {
	l := openTestLedger(t)

	if err := l.SetTokenConfig(TokenConfig{TokenAddress: "0x123"}); err != ErrInvalidAddress {
		t.Fatalf("err=%v want ErrInvalidAddress", err)
	}

	cfg, err := l.TokenConfig()
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	if cfg.Network != "polygon" {
		t.Fatalf("network=%q want polygon", cfg.Network)
	}

	const addr = "0x52908400098527886E0F7030069857D2E4169EE7"
	if err := l.SetTokenConfig(TokenConfig{TokenAddress: addr, RPCURL: "http://localhost:8545"}); err != nil {
		t.Fatalf("set: %v", err)
	}
	cfg, err = l.TokenConfig()
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	if cfg.TokenAddress != addr || cfg.Network != "polygon" || cfg.RPCURL != "http://localhost:8545" {
		t.Fatalf("config=%+v", cfg)
	}
}
