package crypto

import "testing"

func TestStubBackendVerify(t *testing.T) {
	pk := []byte("pubkey-a")
	msg := []byte("finality-digest")
	sig := StubBackend{}.Sign(pk, msg)

	if !(StubBackend{}).Verify(pk, msg, sig) {
		t.Fatalf("expected signature to verify")
	}
	if (StubBackend{}).Verify(pk, []byte("other digest"), sig) {
		t.Fatalf("signature over a different message must not verify")
	}
}

func TestStubBackendFastAggregateVerify(t *testing.T) {
	msg := []byte("digest")
	pks := [][]byte{[]byte("pk1"), []byte("pk2"), []byte("pk3")}
	sigs := make([][]byte, len(pks))
	for i, pk := range pks {
		sigs[i] = StubBackend{}.Sign(pk, msg)
	}
	agg, err := StubBackend{}.Aggregate(sigs)
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if !(StubBackend{}).FastAggregateVerify(pks, msg, agg) {
		t.Fatalf("expected fast-aggregate signature to verify")
	}
}

func TestStubBackendAggregateVerify(t *testing.T) {
	pks := [][]byte{[]byte("pk1"), []byte("pk2")}
	msgs := [][]byte{[]byte("digestA"), []byte("digestB")}
	sigs := make([][]byte, len(pks))
	for i := range pks {
		sigs[i] = StubBackend{}.Sign(pks[i], msgs[i])
	}
	agg, err := StubBackend{}.Aggregate(sigs)
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if !(StubBackend{}).AggregateVerify(pks, msgs, agg) {
		t.Fatalf("expected aggregate-verify to succeed")
	}
}

func TestActiveBackendDefault(t *testing.T) {
	if ActiveBackend().Name() != "stub" {
		t.Fatalf("default backend should be the stub")
	}
	SetActiveBackend(nil)
	if ActiveBackend().Name() != "stub" {
		t.Fatalf("SetActiveBackend(nil) should reset to stub")
	}
}
