package artifacts

import (
	"bytes"
	"crypto/ed25519"
	"testing"
	"time"

	"steward/services/pipeline"
)

func terminalRun(t *testing.T) pipeline.Run {
	t.Helper()
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	run := pipeline.NewRun("scale the web tier to 4 replicas", pipeline.EnvDev, false, pipeline.DefaultMaxRetries, now)
	run.State = pipeline.StateSucceeded
	finished := now.Add(10 * time.Minute)
	run.FinishedAt = &finished
	run.Outputs[pipeline.StagePlanning] = pipeline.StageOutput{
		Stage: pipeline.StagePlanning, Summary: "scale plan", Impact: pipeline.ImpactLow,
	}
	run.Outputs[pipeline.StageReview] = pipeline.StageOutput{
		Stage: pipeline.StageReview, ReviewStatus: pipeline.ReviewPassed,
	}
	run.Outputs[pipeline.StageDeployment] = pipeline.StageOutput{
		Stage: pipeline.StageDeployment, Summary: "applied", Verified: true,
	}
	return run
}

func TestNewRecord(t *testing.T) {
	run := terminalRun(t)

	record, err := NewRecord(run)
	if err != nil {
		t.Fatalf("NewRecord() error = %v", err)
	}
	if record.RunID != run.ID.String() || record.State != string(pipeline.StateSucceeded) {
		t.Fatalf("record header = %+v", record)
	}
	if len(record.Stages) != 3 {
		t.Fatalf("record has %d stages, want 3", len(record.Stages))
	}
	// Stage order is fixed regardless of map iteration.
	if record.Stages[0].Stage != string(pipeline.StagePlanning) || record.Stages[2].Stage != string(pipeline.StageDeployment) {
		t.Fatalf("stage order = %+v", record.Stages)
	}
	if !record.Stages[2].Verified {
		t.Fatal("deployment stage record not marked verified")
	}
}

func TestNewRecordRejectsNonTerminalRun(t *testing.T) {
	run := terminalRun(t)
	run.State = pipeline.StateReview
	if _, err := NewRecord(run); err == nil {
		t.Fatal("expected error for non-terminal run")
	}
}

func TestRecordRoundTrip(t *testing.T) {
	record, err := NewRecord(terminalRun(t))
	if err != nil {
		t.Fatalf("NewRecord() error = %v", err)
	}

	data, err := record.Marshal()
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	parsed, err := UnmarshalRecord(data)
	if err != nil {
		t.Fatalf("UnmarshalRecord() error = %v", err)
	}
	if parsed.RunID != record.RunID || len(parsed.Stages) != len(record.Stages) {
		t.Fatalf("round trip mismatch: %+v", parsed)
	}
}

func testSigner(t *testing.T) *Signer {
	t.Helper()
	seed := bytes.Repeat([]byte{0x42}, ed25519.SeedSize)
	priv := ed25519.NewKeyFromSeed(seed)
	return &Signer{
		privateKey: priv,
		publicKey:  ed25519.PublicKey(priv[ed25519.SeedSize:]),
	}
}

func TestSignAndVerifyRecord(t *testing.T) {
	signer := testSigner(t)
	record, err := NewRecord(terminalRun(t))
	if err != nil {
		t.Fatalf("NewRecord() error = %v", err)
	}
	record.SigningPublicKey = signer.PublicKeyBase64()

	payload, err := record.SigningBytes()
	if err != nil {
		t.Fatalf("SigningBytes() error = %v", err)
	}
	record.Signature, err = signer.Sign(payload)
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}

	// SigningBytes excludes the signature, so the signed payload is
	// reproducible from the signed record.
	repayload, err := record.SigningBytes()
	if err != nil {
		t.Fatalf("SigningBytes() error = %v", err)
	}
	if err := signer.Verify(repayload, record.Signature); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}

	// Tampering breaks verification.
	record.State = string(pipeline.StateFailed)
	tampered, _ := record.SigningBytes()
	if err := signer.Verify(tampered, record.Signature); err == nil {
		t.Fatal("tampered record still verified")
	}
}

func TestVerifyRejectsGarbageSignature(t *testing.T) {
	signer := testSigner(t)
	if err := signer.Verify([]byte("payload"), "not-base64!"); err == nil {
		t.Fatal("expected error for undecodable signature")
	}
	if err := signer.Verify([]byte("payload"), "QUJD"); err == nil {
		t.Fatal("expected error for short signature")
	}
}
